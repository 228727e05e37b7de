// Command medusa fetches proxy subscription feeds and converts them into a
// proxy daemon configuration file in one shot.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/medusa-proxy/medusa/internal/config"
	"github.com/medusa-proxy/medusa/internal/fetch"
	"github.com/medusa-proxy/medusa/internal/pipeline"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("medusa", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yml", "配置文件路径")
	output := fs.String("o", "", "输出文件路径（覆盖配置中的 output）")
	backendName := fs.String("backend", "", "目标后端（覆盖配置中的 backend）")
	timeout := fs.Duration("timeout", 0, "单次拉取的超时（覆盖配置中的 timeout）")
	verbose := fs.Bool("v", false, "输出调试日志")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("加载配置失败", "err", err)
		return 1
	}
	if *output != "" {
		cfg.Output = *output
	}
	if *backendName != "" {
		cfg.Backend = *backendName
	}
	if *timeout > 0 {
		cfg.Timeout = config.Duration(*timeout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sources := make([]fetch.Source, 0, len(cfg.Subscriptions))
	for _, u := range cfg.Subscriptions {
		sources = append(sources, fetch.Source{
			URL:     u,
			Timeout: cfg.Timeout.Std(),
			Retries: cfg.Retries,
		})
	}
	include, exclude := cfg.Filters()

	p := pipeline.New(pipeline.Options{
		Sources: sources,
		Backend: cfg.Backend,
		Workers: cfg.Workers,
		Include: include,
		Exclude: exclude,
		Logger:  logger,
	})
	res, err := p.Run(ctx)
	if err != nil {
		logger.Error("转换失败", "err", err)
		return 1
	}

	text := res.Config.Text
	if cfg.Template != "" {
		head, err := os.ReadFile(cfg.Template)
		if err != nil {
			logger.Error("读取模板失败", "path", cfg.Template, "err", err)
			return 1
		}
		if len(head) > 0 && head[len(head)-1] != '\n' {
			head = append(head, '\n')
		}
		text = string(head) + text
	}

	if err := writeOutput(cfg.Output, text); err != nil {
		logger.Error("写入输出失败", "path", cfg.Output, "err", err)
		return 1
	}
	logger.Info("输出已写入", "path", cfg.Output, "backend", res.Config.Backend, "report", res.Report.Summary())

	for _, o := range res.Report.Outcomes {
		if o.OK() {
			continue
		}
		logger.Warn("条目失败", "url", o.URL, "line", o.Line, "input", o.Input, "err", o.Err)
	}

	// The file is written either way so a stale config never lingers, but an
	// empty node list is still a failed run for callers scripting around us.
	if res.Report.Succeeded() == 0 {
		logger.Error("没有解析出任何可用节点")
		return 1
	}
	return 0
}

func writeOutput(path, text string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建输出目录失败: %w", err)
		}
	}
	return os.WriteFile(path, []byte(text), 0o644)
}
