package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/gradeflow/internal/console"
	"github.com/pavelanni/gradeflow/internal/gateway"
	"github.com/pavelanni/gradeflow/internal/handler"
	appI18n "github.com/pavelanni/gradeflow/internal/i18n"
	"github.com/pavelanni/gradeflow/internal/store"
	"github.com/pavelanni/gradeflow/internal/workflow"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gradeflow",
		Short: "Upload, parse and grade solved exams with a grading service",
	}

	run := runCmd()
	root.AddCommand(run, serveCmd(), textCmd())

	// Make "run" the default when no subcommand is given.
	root.RunE = run.RunE
	root.Flags().AddFlagSet(run.Flags())

	return root
}

// commonFlags registers the flags every command shares.
func commonFlags(f *pflag.FlagSet) {
	f.String("api-url", "http://localhost:8000", "Grading service base URL")
	f.Duration("timeout", 120*time.Second, "Timeout for a single grading service call")
	f.StringP("lang", "l", "en", "UI language (en, ru)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Grade an exam interactively in the terminal",
		RunE:  runTerminal,
	}
	f := cmd.Flags()
	commonFlags(f)
	f.StringP("file", "f", "", "Solved exam to upload (PDF, PNG, JPEG or TXT)")
	f.StringP("answers", "A", "", "File with the student's answers (JSON array or one per line)")
	f.StringP("output", "o", "", "Write the grading report as JSON to this file")
	f.Bool("show-text", false, "Show the extracted text before parsing")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the grading workflow as a JSON API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	commonFlags(f)
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins (repeatable)")
	f.Int64("max-upload", handler.DefaultMaxUpload, "Maximum exam file size in bytes")
	return cmd
}

func textCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "text",
		Short: "Upload an exam and print the text the grading service extracted",
		RunE:  runText,
	}
	f := cmd.Flags()
	commonFlags(f)
	f.StringP("file", "f", "", "Solved exam to upload (PDF, PNG, JPEG or TXT)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("GRADEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("gradeflow")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/gradeflow")
	v.AddConfigPath("/etc/gradeflow")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// newMachine wires the gateway, the in-memory store and the state machine.
// The returned cleanup closes the store.
func newMachine(v *viper.Viper, opts ...gateway.Option) (*workflow.Machine, *gateway.Client, func(), error) {
	opts = append([]gateway.Option{gateway.WithTimeout(v.GetDuration("timeout"))}, opts...)
	gw, err := gateway.New(v.GetString("api-url"), opts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create gateway: %w", err)
	}

	db, err := store.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	m, err := workflow.New(gw, db, slog.Default())
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("create workflow: %w", err)
	}
	return m, gw, func() { db.Close() }, nil
}

func initI18n(ctx context.Context, lang string) (context.Context, error) {
	if err := appI18n.Init(lang); err != nil {
		return ctx, fmt.Errorf("init i18n: %w", err)
	}
	return appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(lang)), nil
}

func runTerminal(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, err := initI18n(ctx, v.GetString("lang"))
	if err != nil {
		return err
	}

	var answers []string
	if path := v.GetString("answers"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open answers: %w", err)
		}
		answers, err = console.LoadAnswers(f)
		f.Close()
		if err != nil {
			return err
		}
	}

	m, gw, cleanup, err := newMachine(v)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := gw.Ping(ctx); err != nil {
		return fmt.Errorf("grading service health check: %w", err)
	}
	slog.Info("grading service OK", "url", v.GetString("api-url"))

	c := console.New(m, os.Stdin, os.Stdout, slog.Default(), console.Options{
		File:     v.GetString("file"),
		Answers:  answers,
		ShowText: v.GetBool("show-text"),
		Output:   v.GetString("output"),
	})
	return c.Run(ctx)
}

func runText(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := v.GetString("file")
	if path == "" {
		return errors.New("an exam file is required: set --file or GRADEFLOW_FILE")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read exam file: %w", err)
	}

	m, _, cleanup, err := newMachine(v)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.SubmitFile(ctx, data, filepath.Base(path)); err != nil {
		return err
	}
	text, err := m.ViewExtractedText(ctx)
	if err != nil {
		return err
	}
	slog.Info("extracted text", "exam_id", m.State().Session.ExamID, "length", text.Length)
	_, err = fmt.Fprintln(os.Stdout, text.Text)
	return err
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if _, err := initI18n(context.Background(), lang); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := gateway.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	m, _, cleanup, err := newMachine(v, gateway.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer cleanup()

	h := handler.New(m, slog.Default(), v.GetInt64("max-upload"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: v.GetStringSlice("cors-origins"),
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Accept-Language", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"api_url", v.GetString("api-url"),
			"lang", lang,
			"timeout", v.GetDuration("timeout"),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
