package coremain

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	C "github.com/pmkol/qcache/constant"
	"github.com/pmkol/qcache/mlog"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "qcache",
	Short: "A caching query server with stale-while-revalidate and request deduplication.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start qcache main program.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			return StartServer(sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage qcache as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(newConfigCmd(), newVersionCmd())
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

func StartServer(sf *serverFlags) error {
	return startServerWithStop(sf, nil)
}

// startServerWithStop runs the server until stop is closed or the process
// receives an interrupt.
func startServerWithStop(sf *serverFlags, stop <-chan struct{}) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, fileUsed, err := loadFullConfig(sf.c)
	if err != nil {
		return err
	}

	if err := RunQcache(cfg, fileUsed, stop); err != nil {
		return fmt.Errorf("qcache exited, %w", err)
	}
	return nil
}

// loadFullConfig loads the config, merges its includes and validates it.
func loadFullConfig(filePath string) (*Config, string, error) {
	cfg, fileUsed, err := loadConfig(filePath)
	if err != nil {
		return nil, "", fmt.Errorf("fail to load config, %w", err)
	}
	if err := mergeInclude(cfg, 0, []string{fileUsed}); err != nil {
		return nil, "", fmt.Errorf("failed to load sub config file, %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config, %w", err)
	}
	return cfg, fileUsed, nil
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

// mergeInclude prepends the resources of included files. Paths of included
// files are relative to the file that includes them.
func mergeInclude(cfg *Config, depth int, paths []string) error {
	depth++
	if depth > 8 {
		return fmt.Errorf("maximum include depth reached, include path is %s", strings.Join(paths, " -> "))
	}

	var included Config
	for _, subCfgFile := range cfg.Include {
		if !filepath.IsAbs(subCfgFile) && len(paths) > 0 {
			subCfgFile = filepath.Join(filepath.Dir(paths[len(paths)-1]), subCfgFile)
		}
		subPaths := append(paths, subCfgFile)
		mlog.L().Info("reading sub config", zap.String("file", subCfgFile))
		subCfg, _, err := loadConfig(subCfgFile)
		if err != nil {
			return fmt.Errorf("failed to load sub config, %w", err)
		}
		if err := mergeInclude(subCfg, depth, subPaths); err != nil {
			return err
		}
		included.Resources = append(included.Resources, subCfg.Resources...)
	}

	cfg.Resources = append(included.Resources, cfg.Resources...)
	return nil
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Config file tools.",
	}

	var file, format string
	printCmd := &cobra.Command{
		Use:   "print [-c config_file] [--format yaml|toml]",
		Short: "Print the config after includes are merged.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadFullConfig(file)
			if err != nil {
				return err
			}
			b, err := marshalConfig(cfg, format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	printCmd.Flags().StringVarP(&file, "config", "c", "", "config file")
	printCmd.Flags().StringVar(&format, "format", "yaml", "output format, yaml or toml")
	configCmd.AddCommand(printCmd)
	return configCmd
}

// marshalConfig encodes cfg with the yaml key names in the given format.
func marshalConfig(cfg *Config, format string) ([]byte, error) {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	switch format {
	case "yaml", "yml":
		return b, nil
	case "toml":
		m := make(map[string]any)
		if err := yaml.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return toml.Marshal(m)
	default:
		return nil, fmt.Errorf("unknown format %s", format)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), C.Version)
		},
	}
}
