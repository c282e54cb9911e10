package context

import (
	"flag"
	"fmt"

	"github.com/kubemend/kubemend/pkg/gate/utils"

	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"
)

type ClusterConfig struct {
	KubeConfigPath string
}

func (cc *ClusterConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&cc.KubeConfigPath, "kube-config", "~/.kube/config", "Cluster kubeconfig file.")
	logFlag := flag.NewFlagSet("", flag.ExitOnError)
	klog.InitFlags(logFlag)
	fs.AddGoFlagSet(logFlag)
}

func (cc *ClusterConfig) Validate() error {
	return nil
}

func (c *Context) ClusterConfig() *ClusterConfig {
	clusterConfig, _ := c.Ctx.Load(clusterConfigKey)
	return clusterConfig.(*ClusterConfig)
}

func (c *Context) KubernetesClient() kubernetes.Interface {
	k8sCli, _ := c.Ctx.Load(kubernetesClientKey)
	return k8sCli.(kubernetes.Interface)
}

func (c *Context) KubernetesRestConfig() *rest.Config {
	k8sRest, _ := c.Ctx.Load(kubernetesRestConfigKey)
	return k8sRest.(*rest.Config)
}

// BuildCluster initializes the Kubernetes clients. Failure here is the
// gate's one fatal precondition: without an API server there is nothing
// to validate or remediate.
func (c *Context) BuildCluster() error {
	restConfig, err := utils.NewConfig(c.ClusterConfig().KubeConfigPath)
	if err != nil {
		return fmt.Errorf("error init kubernetes client from %v, error: %v", c.ClusterConfig().KubeConfigPath, err)
	}
	clientSet, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("error init kubernetes rest client from %v, error: %v", c.ClusterConfig().KubeConfigPath, err)
	}
	c.Ctx.Store(kubernetesRestConfigKey, restConfig)
	c.Ctx.Store(kubernetesClientKey, clientSet)
	return nil
}
