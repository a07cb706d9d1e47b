package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"captcha_engine/internal/captcha"
	"captcha_engine/internal/config"
	"captcha_engine/internal/detector"
	"captcha_engine/internal/fetch"
	"captcha_engine/internal/logbus"
	"captcha_engine/internal/model"
	"captcha_engine/internal/monitoring"
	"captcha_engine/internal/solver"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults apply when empty)")
	typ := flag.String("type", "", "captcha type; detected from the image when empty")
	vendor := flag.String("vendor", "", "captcha vendor, e.g. tencent")
	imagePath := flag.String("image", "", "image file")
	imageURL := flag.String("image-url", "", "image url")
	bgPath := flag.String("bg", "", "slider background file")
	bgURL := flag.String("bg-url", "", "slider background url")
	piecePath := flag.String("piece", "", "slider piece file")
	pieceURL := flag.String("piece-url", "", "slider piece url")
	siteURL := flag.String("site-url", "", "page url for token captchas")
	siteKey := flag.String("site-key", "", "site key for token captchas")
	hint := flag.String("hint", "", "gesture hint or click instructions")
	sliderCenter := flag.Int("slider-center", -1, "current slider center in display pixels")
	timeout := flag.Duration("timeout", 0, "solve timeout (config default when zero)")
	markup := flag.String("markup", "", "html file to scan for a captcha vendor before solving")
	report := flag.String("report", "", "after solving, report the result as good|bad")
	showMetrics := flag.Bool("metrics", false, "print metric counters to stderr")
	serveAddr := flag.String("serve", "", "keep serving /metrics, /health and /events on this address after solving")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	bus := logbus.New(cfg.Log.BufferSize,
		logbus.WithLevel(logbus.ParseLevel(cfg.Log.Level)),
		logbus.WithSink(logbus.NewLogrus(cfg.Log.Level, cfg.Log.Format, os.Stderr)),
	)
	defer bus.Close()

	req := &model.CaptchaRequest{
		ImageURL:      *imageURL,
		BackgroundURL: *bgURL,
		SliderURL:     *pieceURL,
		SiteURL:       *siteURL,
		SiteKey:       *siteKey,
		GestureHint:   *hint,
		Timeout:       *timeout,
	}
	if *typ != "" {
		req.Type = model.ParseCaptchaType(*typ)
	}
	if *vendor != "" {
		req.Vendor = model.ParseVendor(*vendor)
	}
	if req.Timeout <= 0 {
		req.Timeout = cfg.Request.DefaultTimeout()
	}
	req.Image = mustRead(*imagePath)
	req.Background = mustRead(*bgPath)
	req.Slider = mustRead(*piecePath)
	if *sliderCenter >= 0 {
		req.WithExtra(solver.ExtraSliderCenter, *sliderCenter)
	}
	if *hint != "" {
		req.WithExtra(solver.ExtraInstructions, *hint)
	}

	if *markup != "" {
		f := detector.DetectVendor(string(mustRead(*markup)))
		bus.Log("info", "vendor scan", map[string]any{
			"detected":     f.Detected,
			"vendor":       f.Vendor.Code(),
			"type":         f.Type.Code(),
			"autoSolvable": f.AutoSolvable,
		})
		if f.Detected && req.Vendor == "" {
			req.Vendor = f.Vendor
		}
		if f.Detected && req.Type == "" && f.Type.IsKnown() {
			req.Type = f.Type
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetricsWithRegistry(registry)

	solvers, err := solver.FromConfig(cfg, solver.Deps{
		Fetcher: fetch.New(cfg.Fetch, bus),
		Bus:     bus,
	})
	if err != nil {
		log.Fatalf("build solvers: %v", err)
	}
	mgr := captcha.New(captcha.Options{
		Solvers:       solvers,
		Detector:      detector.New(bus),
		Bus:           bus,
		Metrics:       metrics,
		MaxConcurrent: cfg.Limits.MaxConcurrent,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serveAddr != "" {
		cfg.Monitoring.Addr = *serveAddr
	}
	var monitor *monitoring.Server
	if cfg.Monitoring.Addr != "" {
		monitor = monitoring.NewServer(cfg.Monitoring.Addr, registry, bus, cfg.Monitoring.AllowOrigins)
		if err := monitor.Start(); err != nil {
			log.Fatalf("start monitoring: %v", err)
		}
	}

	res, err := mgr.Solve(ctx, req)
	if err != nil {
		res = model.FailWithType(req.Type, err.Error())
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)

	if *report != "" && res.Success {
		mgr.ReportResult(res.Type, res.TaskID, strings.EqualFold(*report, "good"))
		waitCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		waitReports(waitCtx, mgr)
		cancel()
	}

	if *showMetrics {
		printMetrics(registry)
	}
	if monitor != nil {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = monitor.Stop(shutdownCtx)
		cancel()
	}
	if !res.Success {
		stop()
		bus.Close()
		os.Exit(1)
	}
}

func mustRead(path string) []byte {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}
	return b
}

func waitReports(ctx context.Context, mgr *captcha.Manager) {
	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func printMetrics(g prometheus.Gatherer) {
	families, err := g.Gather()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gather metrics: %v\n", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				value = float64(m.GetHistogram().GetSampleCount())
			}
			fmt.Fprintf(os.Stderr, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}
}
