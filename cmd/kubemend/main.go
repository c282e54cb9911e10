package main

import (
	"os"

	"github.com/kubemend/kubemend/pkg/gate/cmd"

	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	if err := cmd.NewGateCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
