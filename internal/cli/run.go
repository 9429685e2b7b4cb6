package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"nuha.dev/gpsclient/internal/config"
	"nuha.dev/gpsclient/internal/connectivity"
	"nuha.dev/gpsclient/internal/delivery"
	"nuha.dev/gpsclient/internal/event"
	"nuha.dev/gpsclient/internal/monitoring"
	"nuha.dev/gpsclient/internal/natsbridge"
	"nuha.dev/gpsclient/internal/protocol"
	"nuha.dev/gpsclient/internal/sample"
	"nuha.dev/gpsclient/internal/store"
	"nuha.dev/gpsclient/internal/transport"
	"nuha.dev/gpsclient/internal/webapi"
)

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start delivering positions",
		Long: `Start the delivery controller together with the local API, the
connectivity monitor and, when enabled, the NATS bridge. Runs until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, c)
		},
	}
}

// Run wires every component from c and blocks until ctx is done or the
// API server fails.
func Run(ctx context.Context, c *config.Config) error {
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "main").Value()

	mode := delivery.Direct
	var st store.Store
	if c.BufferEnabled {
		mode = delivery.Buffered
		var err error
		st, err = OpenStore(ctx, &c.Store)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	enc, err := protocol.NewEncoder(c.Protocol.Fields)
	if err != nil {
		return err
	}
	snd := transport.NewHTTPSender(&transport.SenderConfig{Timeout: c.Timeout()})
	feed := sample.NewFeed()
	bus, err := event.NewBus(&event.BusConfig{Node: c.Event.Node})
	if err != nil {
		return err
	}
	metrics := monitoring.NewMetrics()

	var mon delivery.ConnectivityMonitor
	var manual webapi.ManualConnectivity
	switch c.Connectivity.Mode {
	case config.ConnectivityStatic:
		s := connectivity.NewStatic(true)
		mon, manual = s, s
	default:
		p, err := connectivity.NewProber(&connectivity.ProberConfig{
			Endpoint: c.ServerEndpoint,
			Interval: c.Connectivity.ProbeInterval(),
			Timeout:  c.Connectivity.ProbeTimeout(),
		})
		if err != nil {
			return err
		}
		p.Probe(ctx)
		go p.Run(ctx)
		mon = p
	}

	ctl, err := delivery.New(&delivery.Config{
		Mode:       mode,
		Endpoint:   c.ServerEndpoint,
		DeviceID:   c.DeviceID,
		RetryDelay: c.RetryDelay(),
		AlarmTag:   c.AlarmTag,
	}, st, enc, snd,
		delivery.WithSampleSource(feed),
		delivery.WithConnectivityMonitor(mon),
		delivery.WithObserver(delivery.Observers{metrics, bus}),
	)
	if err != nil {
		return err
	}
	metrics.WatchStatus(ctl.Status)
	if st != nil {
		metrics.WatchQueue(st)
	}

	if c.Nats.Enabled {
		br, err := natsbridge.Connect(&natsbridge.BridgeConfig{
			URL:           c.Nats.URL,
			Name:          c.Nats.Name,
			SampleSubject: c.Nats.SampleSubject,
			EventPrefix:   c.Nats.EventPrefix,
		})
		if err != nil {
			return err
		}
		defer br.Close()
		if err := br.Start(feed, bus); err != nil {
			return err
		}
	}

	errc := make(chan error, 1)
	if c.Api.Enabled {
		api := webapi.NewApi(ctl, feed, manual, metrics.GetHandler(), bus, &webapi.ApiConfig{ListenAddr: c.Api.ListenAddr})
		go func() {
			if err := api.Run(); err != nil {
				errc <- err
			}
		}()
		defer api.Close()
	}

	if protocol.NormalizeDeviceID(c.DeviceID) == "" {
		logger.Warn().Msg("device_id is empty, records will be queued but not sent")
	}
	logger.Info().Str("mode", mode.String()).Str("endpoint", c.ServerEndpoint).Str("store", c.Store.Driver).Msg("gpsclient started")
	ctl.Start()

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	ctl.Stop()
	ctl.Wait()
	logger.Info().Msg("gpsclient stopped")
	return err
}
