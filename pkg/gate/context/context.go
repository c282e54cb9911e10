package context

import (
	"sync"

	cliflag "k8s.io/component-base/cli/flag"

	"github.com/spf13/pflag"
)

const (
	gateConfigKey           = "gate_config"
	clusterConfigKey        = "cluster_config"
	kubernetesClientKey     = "kubernetes_client_config"
	kubernetesRestConfigKey = "kubernetes_rest_config"
	miscConfigKey           = "misc_config"
)

type ConfigBinder interface {
	BindFlags(fs *pflag.FlagSet)
	Validate() error
}

type NamedConfigBinder struct {
	Name   string
	Binder ConfigBinder
}

var binders []NamedConfigBinder

func RegisterConfigBinder(name string, binder ConfigBinder) {
	binders = append(binders, NamedConfigBinder{
		Name:   name,
		Binder: binder,
	})
}

func init() {
	gc := &GateConfig{}
	cc := &ClusterConfig{}
	mc := &MiscConfig{}
	RegisterConfigBinder("Reconciliation gate", gc)
	RegisterConfigBinder("Cluster config", cc)
	RegisterConfigBinder("Miscellaneous config", mc)

	GateContext.Ctx.Store(gateConfigKey, gc)
	GateContext.Ctx.Store(clusterConfigKey, cc)
	GateContext.Ctx.Store(miscConfigKey, mc)
}

var GateContext = &Context{
	Ctx: &sync.Map{},
}

type Context struct {
	Ctx *sync.Map
}

func (c *Context) BindFlags(fs *pflag.FlagSet) {
	for _, b := range binders {
		b.Binder.BindFlags(fs)
	}
}

func (c *Context) BindNamedFlags(fss *cliflag.NamedFlagSets) {
	for _, b := range binders {
		fs := fss.FlagSet(b.Name)
		b.Binder.BindFlags(fs)
	}
}

func (c *Context) Validate() error {
	for _, b := range binders {
		err := b.Binder.Validate()
		if err != nil {
			return err
		}
	}
	return nil
}
