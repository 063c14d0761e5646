package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/offcache/offcache/internal/config"
	"github.com/offcache/offcache/internal/logging"
)

const (
	commandHelp        = "help"
	commandServe       = "serve"
	commandCheckConfig = "check-config"
	commandVersion     = "version"
	commandGenerations = "generations"
	commandWarm        = "warm"
	commandPrune       = "prune"
)

// cliOptions 汇总 CLI 解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
	command    string
	// site 为空表示作用于全部站点。
	site string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	switch opts.command {
	case commandHelp:
		return 0
	case commandVersion:
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	switch opts.command {
	case commandCheckConfig:
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = len(cfg.Sites)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["credentials"] = config.CredentialModes(cfg.Sites)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	case commandGenerations:
		return runGenerations(cfg, logger, opts)
	case commandWarm:
		return runWarm(cfg, logger, opts)
	case commandPrune:
		return runPrune(cfg, logger, opts)
	default:
		return runServe(cfg, logger, opts)
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	var (
		opts       cliOptions
		configFlag string
	)

	root := newRootCommand(&opts, &configFlag)
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(io.Discard)

	if err := root.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if opts.command == "" {
		// --help 只输出用法，不执行任何命令
		opts.command = commandHelp
	}

	path := os.Getenv("OFFCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path
	return opts, nil
}

// newRootCommand 只负责解析：各子命令把选择写入 opts，真正的执行在 run 中完成。
func newRootCommand(opts *cliOptions, configFlag *string) *cobra.Command {
	var (
		checkOnly   bool
		showVersion bool
	)

	selectCommand := func(name string) func(*cobra.Command, []string) {
		return func(*cobra.Command, []string) {
			opts.command = name
		}
	}

	root := &cobra.Command{
		Use:           "offcache",
		Short:         "Offline-first caching proxy with versioned cache generations",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			switch {
			case showVersion:
				opts.command = commandVersion
			case checkOnly:
				opts.command = commandCheckConfig
			default:
				opts.command = commandServe
			}
		},
	}
	root.PersistentFlags().StringVar(configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFCACHE_CONFIG 覆盖）")
	root.Flags().BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	root.Flags().BoolVar(&showVersion, "version", false, "显示版本信息")

	siteScoped := func(cmd *cobra.Command) *cobra.Command {
		cmd.Flags().StringVar(&opts.site, "site", "", "仅处理指定站点")
		return cmd
	}

	root.AddCommand(
		&cobra.Command{
			Use:   commandServe,
			Short: "启动代理服务并执行各站点的 install/activate",
			Args:  cobra.NoArgs,
			Run:   selectCommand(commandServe),
		},
		&cobra.Command{
			Use:   commandCheckConfig,
			Short: "仅校验配置后退出",
			Args:  cobra.NoArgs,
			Run:   selectCommand(commandCheckConfig),
		},
		&cobra.Command{
			Use:   commandVersion,
			Short: "显示版本信息",
			Args:  cobra.NoArgs,
			Run:   selectCommand(commandVersion),
		},
		siteScoped(&cobra.Command{
			Use:   commandGenerations,
			Short: "列出缓存 generation 及其状态",
			Args:  cobra.NoArgs,
			Run:   selectCommand(commandGenerations),
		}),
		siteScoped(&cobra.Command{
			Use:   commandWarm,
			Short: "预热当前版本的 generation，不激活",
			Args:  cobra.NoArgs,
			Run:   selectCommand(commandWarm),
		}),
		siteScoped(&cobra.Command{
			Use:   commandPrune,
			Short: "删除当前版本以外的 generation",
			Args:  cobra.NoArgs,
			Run:   selectCommand(commandPrune),
		}),
	)
	return root
}
