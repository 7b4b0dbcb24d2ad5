package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/valhalla/jobcore/app"
	"github.com/valhalla/jobcore/types"
	"github.com/valhalla/jobcore/types/config"
	"github.com/valhalla/jobcore/web"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	var opts []config.ContainerOption
	instance := ""
	if *configPath != "" {
		fc, err := config.LoadFile(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		instance = fc.Instance
		opts = append(opts, fc.Options()...)
	}
	if v := os.Getenv("JOBCORE_INSTANCE"); v != "" {
		instance = v
	}
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("%s-%s", host, uuid.NewString())
	}
	if v := os.Getenv("JOBCORE_POSTGRES_URL"); v != "" {
		opts = append(opts, config.WithPostgresConfig(config.PostgresConfig{ConnectionUrl: v}))
	}

	cfg, err := config.NewConfig(instance, opts...)
	if err != nil {
		log.Fatal(err)
	}

	err = cfg.RegisterHandlers([]config.MethodHandler{
		{JobName: "export", Func: exportReport},
		{JobName: "send_sms", Func: sendSms},
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := app.NewContainer(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer container.Close()

	if err := container.SeedRateLimitRules(ctx, web.DefaultRateLimitRules()); err != nil {
		log.Fatal(err)
	}

	log.Printf("jobcore: instance %s started with %d workers on %s storage", cfg.Instance, cfg.WorkerCount, cfg.StorageDriver)
	if err := container.Run(ctx); err != nil {
		log.Printf("jobcore: %v", err)
		return
	}
	log.Println("jobcore: stopped")
}

// exportReport walks through ten pages of a report, recording progress as it goes.
func exportReport(ctx context.Context, exec types.Execution, args ...any) error {
	exec.Logf("export for tenant %s started, attempt %d", exec.TenantID(), exec.Attempt())
	for page := 1; page <= 10; page++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		if err := exec.Progress(ctx, page*10); err != nil {
			return err
		}
	}
	exec.Logf("export finished")
	return nil
}

func sendSms(ctx context.Context, exec types.Execution, args ...any) error {
	if len(args) < 2 {
		return fmt.Errorf("send_sms: expected recipient and message, got %d args", len(args))
	}
	to, _ := args[0].(string)
	message, _ := args[1].(string)
	log.Printf("Sending SMS to %s:\n%s\n", to, message)
	exec.Logf("sms sent to %s", to)
	return nil
}
