package context

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultNamespace     = "kubemend"
	defaultProbeImage    = "kubemend/node-agent:v0.3.1"
	defaultProbePodImage = "busybox:1.36"
)

// GateConfig is the full set of recognized gate options. Flags always
// win over values from an optional YAML config file.
type GateConfig struct {
	ConfigFile string

	Namespace          string        `mapstructure:"namespace"`
	ValidateTimeout    time.Duration `mapstructure:"validateTimeout"`
	MaxAttempts        int           `mapstructure:"maxAttempts"`
	InterAttemptDelay  time.Duration `mapstructure:"interAttemptDelay"`
	DiagnosticsDir     string        `mapstructure:"diagnosticsDir"`
	ArchiveDir         string        `mapstructure:"archiveDir"`
	EmergencyClearIPVS bool          `mapstructure:"emergencyClearIPVS"`

	AgentImage      string        `mapstructure:"agentImage"`
	ValidatorImage  string        `mapstructure:"validatorImage"`
	NodeConcurrency int           `mapstructure:"nodeConcurrency"`
	RolloutTimeout  time.Duration `mapstructure:"rolloutTimeout"`

	fs *pflag.FlagSet
}

func (gc *GateConfig) BindFlags(fs *pflag.FlagSet) {
	gc.fs = fs
	fs.StringVarP(&gc.ConfigFile, "config", "c", "", "Optional YAML config file. Explicitly set flags override file values.")
	fs.StringVarP(&gc.Namespace, "namespace", "n", defaultNamespace, "Namespace for the validation workload and node agent pods.")
	fs.DurationVarP(&gc.ValidateTimeout, "validate-timeout", "", 120*time.Second, "Timeout for one connectivity validation attempt.")
	fs.IntVarP(&gc.MaxAttempts, "max-attempts", "", 3, "Maximum validate-remediate attempts before giving up.")
	fs.DurationVarP(&gc.InterAttemptDelay, "inter-attempt-delay", "", 10*time.Second, "Settle delay before each remediation round.")
	fs.StringVarP(&gc.DiagnosticsDir, "diagnostics-dir", "", "/var/lib/kubemend/diagnostics", "Directory for per-attempt diagnostic dumps.")
	fs.StringVarP(&gc.ArchiveDir, "archive-dir", "", "/var/lib/kubemend/archive", "Directory for the final diagnostics archive.")
	fs.BoolVarP(&gc.EmergencyClearIPVS, "emergency-clear-ipvs", "", false, "Flush IPVS tables and kube ipsets on all nodes before the first validation. Manual use only.")
	fs.StringVarP(&gc.AgentImage, "agent-image", "", defaultProbeImage, "Image for privileged node agent pods.")
	fs.StringVarP(&gc.ValidatorImage, "validator-image", "", defaultProbePodImage, "Image for the ephemeral DNS validation pod.")
	fs.IntVarP(&gc.NodeConcurrency, "node-concurrency", "", 0, "Max concurrent per-node operations. 0 means one worker per node.")
	fs.DurationVarP(&gc.RolloutTimeout, "rollout-timeout", "", 5*time.Minute, "Timeout waiting for kube-proxy rollout after a restart.")
}

func (gc *GateConfig) Validate() error {
	if gc.ConfigFile != "" {
		if err := gc.mergeConfigFile(); err != nil {
			return err
		}
	}
	if gc.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if gc.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", gc.MaxAttempts)
	}
	if gc.ValidateTimeout <= 0 {
		return fmt.Errorf("validate timeout must be positive, got %s", gc.ValidateTimeout)
	}
	if gc.InterAttemptDelay < 0 {
		return fmt.Errorf("inter-attempt delay must not be negative, got %s", gc.InterAttemptDelay)
	}
	if gc.DiagnosticsDir == "" || gc.ArchiveDir == "" {
		return fmt.Errorf("diagnostics and archive directories must be set")
	}
	return nil
}

// mergeConfigFile fills config values from the YAML file for every key
// the file sets, except where the operator set the matching flag
// explicitly on the command line.
func (gc *GateConfig) mergeConfigFile() error {
	v := viper.New()
	v.SetConfigFile(gc.ConfigFile)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return fmt.Errorf("config file %s not found", gc.ConfigFile)
		}
		return fmt.Errorf("config file err: %w", err)
	}

	merged := *gc
	if err := v.Unmarshal(&merged); err != nil {
		return fmt.Errorf("config file err: %w", err)
	}

	explicit := map[string]bool{}
	if gc.fs != nil {
		gc.fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = true })
	}
	restore := *gc
	*gc = merged
	if explicit["namespace"] {
		gc.Namespace = restore.Namespace
	}
	if explicit["validate-timeout"] {
		gc.ValidateTimeout = restore.ValidateTimeout
	}
	if explicit["max-attempts"] {
		gc.MaxAttempts = restore.MaxAttempts
	}
	if explicit["inter-attempt-delay"] {
		gc.InterAttemptDelay = restore.InterAttemptDelay
	}
	if explicit["diagnostics-dir"] {
		gc.DiagnosticsDir = restore.DiagnosticsDir
	}
	if explicit["archive-dir"] {
		gc.ArchiveDir = restore.ArchiveDir
	}
	if explicit["emergency-clear-ipvs"] {
		gc.EmergencyClearIPVS = restore.EmergencyClearIPVS
	}
	if explicit["agent-image"] {
		gc.AgentImage = restore.AgentImage
	}
	if explicit["validator-image"] {
		gc.ValidatorImage = restore.ValidatorImage
	}
	if explicit["node-concurrency"] {
		gc.NodeConcurrency = restore.NodeConcurrency
	}
	if explicit["rollout-timeout"] {
		gc.RolloutTimeout = restore.RolloutTimeout
	}
	return nil
}

func (c *Context) GateConfig() *GateConfig {
	gateConfig, _ := c.Ctx.Load(gateConfigKey)
	return gateConfig.(*GateConfig)
}
