package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"devmate/browser"
	"devmate/bus"
	"devmate/capture"
	"devmate/config"
	"devmate/export"
	"devmate/pinger"
	"devmate/replay"
	"devmate/storage"
	"devmate/web"
)

var (
	cfgFile       string
	noBrowser     bool
	outputFile    string
	inputFile     string
	mergeStrategy string
	requestID     string
	enableFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "devmate",
	Short: "DevMate - capture and replay browser requests",
	Long: `A developer daemon that attaches to a running Chromium over the DevTools
protocol, captures outgoing requests into a rolling SQLite log, and replays
them on demand. UI surfaces connect over WebSocket for live notifications.`,
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config.yaml)")
	rootCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "run without attaching to a browser (API and replay only)")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(listRequestsCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(toggleCaptureCmd)
}

func runDaemon() {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	setupLogging(cfg)

	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()
	db.SetCaptureLimit(cfg.Capture.MaxRequests)

	var server *web.Server
	hub := bus.NewHub(func(action string, data json.RawMessage, reply func(payload any)) {
		server.HandleBusMessage(action, data, reply)
	})

	controller := capture.NewController(db, hub)
	engine := replay.NewEngine(time.Duration(cfg.Replay.TimeoutSeconds)*time.Second, hub)
	scheduler := pinger.NewScheduler(db, hub, time.Duration(cfg.Pinger.TimeoutSeconds)*time.Second)
	defer scheduler.StopAll()

	interceptor := capture.NewInterceptor(
		controller,
		time.Duration(cfg.Capture.PendingTTLSeconds)*time.Second,
		time.Duration(cfg.Capture.SweepIntervalSeconds)*time.Second,
	)
	defer interceptor.Close()

	server = web.NewServer(cfg, db, hub, controller, engine, scheduler)

	if !noBrowser {
		client := browser.NewClient(cfg, interceptor)
		if err := client.Connect(context.Background()); err != nil {
			log.Fatal("Failed to attach to browser:", err)
		}
		defer client.Close()
	}

	if cfg.Pinger.Enabled {
		if err := scheduler.ResumeActive(); err != nil {
			log.Printf("Failed to resume ping targets: %v", err)
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("Shutting down...")
		scheduler.StopAll()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatal("Server failed:", err)
	}
}

func setupLogging(cfg *config.Config) {
	if cfg.Logging.File == "" {
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export captured requests and collections to JSON",
	Long:  `Export the capture log and all collections to a JSON archive for backup or sharing.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, db := openStore()
		defer db.Close()

		exportManager := export.NewExportManager(cfg, db)
		if err := exportManager.ExportAll(outputFile); err != nil {
			log.Fatal("Failed to export:", err)
		}

		fmt.Printf("Exported to '%s'\n", outputFile)
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import captured requests and collections from JSON",
	Long:  `Import a JSON archive into the store, appending to or replacing the current data.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, db := openStore()
		defer db.Close()

		exportManager := export.NewExportManager(cfg, db)
		if err := exportManager.Import(inputFile, mergeStrategy); err != nil {
			log.Fatal("Failed to import:", err)
		}

		fmt.Printf("Imported from '%s'\n", inputFile)
	},
}

var listRequestsCmd = &cobra.Command{
	Use:   "list-requests",
	Short: "List captured requests",
	Long:  `List the capture log, newest first.`,
	Run: func(cmd *cobra.Command, args []string) {
		_, db := openStore()
		defer db.Close()

		requests, err := db.ListCapturedRequests()
		if err != nil {
			log.Fatal("Failed to list requests:", err)
		}

		if len(requests) == 0 {
			fmt.Println("No captured requests.")
			return
		}

		fmt.Printf("%-40s %-8s %-25s %s\n", "ID", "Method", "Captured", "URL")
		for _, rec := range requests {
			captured := time.UnixMilli(rec.Timestamp).Format("2006-01-02 15:04:05")
			fmt.Printf("%-40s %-8s %-25s %s\n", rec.ID, rec.Method, captured, rec.URL)
		}
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the capture log",
	Long:  `Remove every captured request from the store. Collections are untouched.`,
	Run: func(cmd *cobra.Command, args []string) {
		_, db := openStore()
		defer db.Close()

		if err := db.ClearCapturedRequests(); err != nil {
			log.Fatal("Failed to clear requests:", err)
		}

		fmt.Println("Capture log cleared.")
	},
}

var toggleCaptureCmd = &cobra.Command{
	Use:   "toggle-capture",
	Short: "Enable or disable capture",
	Long:  `Set the persisted capture flag. A running daemon picks the change up on the next request.`,
	Run: func(cmd *cobra.Command, args []string) {
		_, db := openStore()
		defer db.Close()

		if err := db.SetCaptureEnabled(enableFlag); err != nil {
			log.Fatal("Failed to set capture flag:", err)
		}

		fmt.Printf("Capture enabled: %t\n", enableFlag)
	},
}

func openStore() (*config.Config, *storage.Database) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	return cfg, db
}

func init() {
	exportCmd.Flags().StringVar(&outputFile, "output", "", "output file path (.json or .json.gz)")
	exportCmd.MarkFlagRequired("output")

	importCmd.Flags().StringVar(&inputFile, "input", "", "input file path")
	importCmd.Flags().StringVar(&mergeStrategy, "merge-strategy", "append", "merge strategy: append or replace")
	importCmd.MarkFlagRequired("input")

	toggleCaptureCmd.Flags().BoolVar(&enableFlag, "enabled", true, "new capture flag value")
}
