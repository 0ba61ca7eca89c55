package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"subrefresh/internal/config"
	"subrefresh/internal/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "subrefresh",
		Short:         "Refresh proxy subscription links for member sites behind a login",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	root.AddCommand(newRefreshCommand(), newValidateCommand(), newParseCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置文件；文件不存在时使用默认配置
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.NewConfig(), nil
	}
	return config.Load(configPath)
}

func newLogger(cfg *config.Config) logger.Logger {
	return logger.New(logger.Options{Level: cfg.Log.Level, Writers: cfg.Log.Writer, File: cfg.Log.File})
}

// printYAML 以 YAML 输出结果
func printYAML(v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}
