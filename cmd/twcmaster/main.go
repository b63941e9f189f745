package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"

	"github.com/shaunagostinho/twcmaster/internal/alloc"
	"github.com/shaunagostinho/twcmaster/internal/bus"
	"github.com/shaunagostinho/twcmaster/internal/carapi"
	"github.com/shaunagostinho/twcmaster/internal/config"
	"github.com/shaunagostinho/twcmaster/internal/energy"
	"github.com/shaunagostinho/twcmaster/internal/energylog"
	"github.com/shaunagostinho/twcmaster/internal/master"
	"github.com/shaunagostinho/twcmaster/internal/metrics"
	"github.com/shaunagostinho/twcmaster/internal/registry"
	"github.com/shaunagostinho/twcmaster/internal/settings"
	"github.com/shaunagostinho/twcmaster/internal/tasks"
	"github.com/shaunagostinho/twcmaster/internal/twc"
	"github.com/shaunagostinho/twcmaster/internal/webipc"
)

func main() {
	configPath := flag.String("config", "/etc/twcmaster/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated slave TWC instead of real hardware")
	listenAddr := flag.String("listen", "", "Override IPC listen address (e.g. 127.0.0.1:8745)")
	debugLevel := flag.Int("debug", -1, "Override debug level")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime)
	log.Println("[main] twcmaster starting")

	cfg := config.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.IPC.ListenAddr = *listenAddr
	}
	if *debugLevel >= 0 {
		cfg.DebugLevel = *debugLevel
	}

	ownID, sign, err := cfg.Identity()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	clk := clock.New()
	met := metrics.New()

	store := settings.NewStore(cfg.SettingsPath)
	if err := store.Load(); err != nil {
		log.Printf("[main] %v", err)
	}

	st := alloc.NewState(clk,
		twc.FromAmps(cfg.Charger.WiringMaxAmpsAllTWCs),
		twc.FromAmps(cfg.Charger.MinAmpsPerTWC),
		cfg.Charger.SubtractChargerLoad)

	car := carapi.NewClient(clk, carapi.Config{
		BaseURL:       cfg.CarAPI.BaseURL,
		ErrorRetryMin: cfg.CarAPI.ErrorRetryMin,
		DebugLevel:    cfg.DebugLevel,
	})
	car.OnTokensChanged = func(bearer, refresh string, expireUnix int64) {
		if err := store.Update(func(v *settings.Values) {
			v.CarApiBearerToken = bearer
			v.CarApiRefreshToken = refresh
			v.CarApiTokenExpireTime = expireUnix
		}); err != nil {
			log.Printf("[main] settings save: %v", err)
		}
	}

	// syncPolicy pushes persisted settings into the allocator and the
	// vehicle client; it runs at startup, after every IPC settings write,
	// and when the settings file is edited on disk.
	syncPolicy := func() {
		v := store.Get()
		st.SetPolicy(alloc.Policy{
			NonScheduledAmpsMax:        v.NonScheduledAmpsMax,
			ScheduledAmpsMax:           v.ScheduledAmpsMax,
			ScheduledStartHour:         v.ScheduledAmpsStartHour,
			ScheduledEndHour:           v.ScheduledAmpsEndHour,
			ScheduledDaysBitmap:        v.ScheduledAmpsDaysBitmap,
			HourResumeTrackGreenEnergy: v.HourResumeTrackGreenEnergy,
		})
		car.SetTokens(v.CarApiBearerToken, v.CarApiRefreshToken, v.CarApiTokenExpireTime)
		car.SetHome(v.HomeLat, v.HomeLon)
	}
	syncPolicy()
	if err := store.Watch(ctx, syncPolicy); err != nil {
		log.Printf("[main] settings watch unavailable: %v", err)
	}

	reg := registry.New(clk, twc.FromAmps(cfg.Charger.WiringMaxAmpsPerTWC))

	runner := tasks.NewRunner(cfg.DebugLevel)
	runner.Start(ctx)

	// Telemetry sources feeding the allocator.
	providers := []energy.Provider{
		energy.StaticOffset{Watts: cfg.Charger.GreenEnergyAmpsOffset * 240},
	}
	if cfg.Sources.Fronius.BaseURL != "" {
		providers = append(providers, energy.NewFronius(cfg.Sources.Fronius))
	}
	if cfg.Sources.HASS.BaseURL != "" {
		providers = append(providers, energy.NewHASS(cfg.Sources.HASS))
	}

	pollTelemetry := func(ctx context.Context) {
		for _, p := range providers {
			if gen, err := p.Generation(); err == nil {
				st.SetGeneration(p.Name(), gen)
			} else if cfg.DebugLevel >= 1 {
				log.Printf("[main] %s generation: %v", p.Name(), err)
			}
			if cons, err := p.Consumption(); err == nil {
				st.SetConsumption(p.Name(), cons)
			} else if cfg.DebugLevel >= 1 {
				log.Printf("[main] %s consumption: %v", p.Name(), err)
			}
		}
		if cfg.DebugLevel >= 1 {
			log.Printf("[main] solar generating %.0fW, consumption %.0fW, charger load %.0fW",
				st.Generation(), st.Consumption(), st.ChargerLoad())
		}
	}

	onlyAtHome := cfg.Charger.OnlyChargeMultiCarsAtHome
	elog := energylog.New(cfg.EnergyLog)
	defer elog.Close()

	var transport bus.Transport
	if *demo {
		log.Println("[main] demo mode: simulated slave TWC on a virtual bus")
		transport = bus.NewSimBus(clk, twc.ID{0xAB, 0xCD}, 8000)
	} else {
		transport, err = bus.OpenSerial(cfg.RS485.Port, cfg.RS485.Baud)
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
	}
	defer transport.Close()

	engine := master.New(master.Options{
		Clock:      clk,
		Transport:  transport,
		Registry:   reg,
		State:      st,
		Settings:   store,
		Metrics:    met,
		Runner:     runner,
		EnergyLog:  elog,
		ID:         ownID,
		Sign:       sign,
		DebugLevel: cfg.DebugLevel,
		Hooks: master.Hooks{
			PollTelemetry: pollTelemetry,
			StartCharging: func(ctx context.Context) { car.Charge(ctx, true, onlyAtHome) },
			StopCharging:  func(ctx context.Context) { car.Charge(ctx, false, onlyAtHome) },
		},
	})

	ipc := webipc.NewServer(cfg.IPC.ListenAddr, webipc.Deps{
		Registry:   reg,
		State:      st,
		Settings:   store,
		Engine:     engine,
		Car:        car,
		Tasks:      runner,
		Metrics:    met,
		SyncPolicy: syncPolicy,
	})
	go func() {
		if err := ipc.Run(ctx); err != nil {
			log.Printf("[main] ipc server exited: %v", err)
		}
	}()

	// The bus loop owns this goroutine until shutdown.
	engine.Run(ctx)

	// Drain whatever the background worker still holds, then release the
	// serial handle via the deferred Close.
	runner.Join()
	log.Println("[main] shutdown complete")
}
