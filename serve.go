package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"lingzhi-trainer/backend"
	"lingzhi-trainer/coach"
	"lingzhi-trainer/config"
	"lingzhi-trainer/ledger"
	"lingzhi-trainer/log"
	"lingzhi-trainer/server"
	"lingzhi-trainer/session"
	"lingzhi-trainer/store"
	"lingzhi-trainer/utils"
	"lingzhi-trainer/voice"
	"lingzhi-trainer/voice/vad"

	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动HTTP和语音服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "创建或升级会话存储的表结构",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer log.Close()

			db, err := store.Open(cfg.Database)
			if err != nil {
				return err
			}
			if err := store.AutoMigrate(db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已迁移 %s 存储\n", cfg.Database.Driver)
			return nil
		},
	}
}

// loadConfig 加载配置文件并初始化日志系统
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("加载配置文件失败: %w", err)
	}
	if err := log.Init(&cfg.Log); err != nil {
		return nil, fmt.Errorf("初始化日志系统失败: %w", err)
	}
	log.Infof("已加载配置文件: %s", path)
	return cfg, nil
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer log.Close()

	log.Infof("正在启动lingzhi-trainer %s...", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 没有opus时只关闭本地人声检测，语音后端的检测照常工作
	localVAD := true
	if err := utils.Init(); err != nil {
		log.Warnf("初始化本地音频依赖失败，关闭本地人声检测: %v", err)
		localVAD = false
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := store.AutoMigrate(db); err != nil {
		return err
	}

	client := backend.NewClient(cfg.Backend)
	if err := client.WaitReady(ctx, cfg.Backend.ReadyRetries, time.Second); err != nil {
		return fmt.Errorf("等待后端就绪失败: %w", err)
	}

	hints := coach.NewHub()
	manager := session.NewManager(client, ledger.NewGormLedger(db), store.NewSessionRepo(db), session.Options{
		HintLifetime: cfg.Session.HintLifetimeDuration(),
		OnHint:       hints.Publish,
	})
	defer manager.Close()

	sweeper, err := session.NewSweeper(manager, cfg.Session.SweepSchedule, cfg.Session.IdleTimeoutDuration())
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	opts := server.Options{
		Config:   cfg,
		Manager:  manager,
		Identity: client,
		Hints:    hints,
	}
	if cfg.Voice.URL != "" {
		opts.VoiceDialer = func(sessionID string) voice.Dialer {
			return voice.NewTransport(cfg.Voice, sessionID).Dial
		}
	}
	if localVAD {
		opts.NewDetector = func() (voice.Detector, error) {
			vcfg := vad.DefaultConfig()
			vcfg.EnergyThreshold = cfg.Voice.EnergyThreshold
			vcfg.SampleRate = cfg.Voice.SampleRate
			d, err := vad.New(vcfg)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	}

	// 这会阻塞直到收到退出信号
	if err := server.Start(ctx, opts); err != nil {
		return err
	}
	log.Infof("服务已停止")
	return nil
}
