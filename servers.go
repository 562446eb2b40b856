package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/PwzXxm/ice-lite/communicator"
	"github.com/PwzXxm/ice-lite/config"
	"github.com/PwzXxm/ice-lite/locator"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/PwzXxm/ice-lite/shell"
	"github.com/PwzXxm/ice-lite/transport"
	"github.com/benbjohnson/clock"
	"github.com/common-nighthawk/go-figure"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// loadProperties reads the properties file, when given, and applies the
// Name=Value overrides on top.
func loadProperties(path string, overrides []string) (*config.Properties, error) {
	props := config.NewProperties()
	args := make([]string, 0, len(overrides)+1)
	if path != "" {
		args = append(args, "--"+config.ConfigProperty+"="+path)
	}
	for _, o := range overrides {
		args = append(args, "--"+o)
	}
	rest, err := props.ParseArgs(args)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("invalid property overrides %v", rest)
	}
	return props, nil
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = os.Stdout
	return logger
}

// loadTLS builds the ssl and wss configuration from the IceSSL properties,
// nil when no certificate is configured.
func loadTLS(props *config.Properties) (*transport.TLSConfig, error) {
	certFile, keyFile := props.Get("IceSSL.CertFile"), props.Get("IceSSL.KeyFile")
	caFile := props.Get("IceSSL.CAs")
	if certFile == "" && caFile == "" {
		return nil, nil
	}
	client := &tls.Config{MinVersion: tls.VersionTLS12}
	server := &tls.Config{MinVersion: tls.VersionTLS12}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, errors.Wrap(err, "IceSSL.CertFile")
		}
		client.Certificates = []tls.Certificate{cert}
		server.Certificates = []tls.Certificate{cert}
	}
	if caFile != "" {
		pem, err := ioutil.ReadFile(caFile)
		if err != nil {
			return nil, errors.Wrap(err, "IceSSL.CAs")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificate found in %s", caFile)
		}
		client.RootCAs = pool
		server.ClientCAs = pool
	}
	return &transport.TLSConfig{Client: client, Server: server}, nil
}

func newCommunicator(props *config.Properties, reg prometheus.Registerer) (*communicator.Communicator, error) {
	tlsConfig, err := loadTLS(props)
	if err != nil {
		return nil, err
	}
	return communicator.New(communicator.Options{
		Properties: props,
		Logger:     logrus.NewEntry(newLogger()),
		Registerer: reg,
		TLS:        tlsConfig,
	})
}

func destroy(comm *communicator.Communicator) {
	ctx, cancel := shutdownContext()
	defer cancel()
	if err := comm.Destroy(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func parseProxy(s string) (string, error) {
	r, err := reference.NewFactory(reference.DefaultDefaults).Parse(s)
	if err != nil {
		return "", err
	}
	if r == nil {
		return "", errors.New("null proxy")
	}
	return r.String(), nil
}

func ping(props *config.Properties, s string) error {
	comm, err := newCommunicator(props, nil)
	if err != nil {
		return err
	}
	defer destroy(comm)

	p, err := comm.StringToProxy(s)
	if err != nil {
		return err
	}
	if p == nil {
		return errors.New("null proxy")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return err
	}
	fmt.Printf("%v is alive (%v)\n", p, time.Since(start).Round(time.Microsecond))
	return nil
}

// serveMetrics exposes reg over HTTP on addr. An empty addr disables it.
func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, errors.Wrap(err, "metrics"))
		}
	}()
	return srv
}

func metricsRegistry(addr string) (*prometheus.Registry, prometheus.Registerer) {
	if addr == "" {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	return reg, reg
}

func openStore(props *config.Properties, logger *logrus.Entry) (locator.Store, error) {
	db := props.Get("Registry.DB")
	if db == "" {
		return locator.NewMemoryStore(), nil
	}
	// create directory for the database if needed
	if dir := filepath.Dir(db); dir != "" {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, os.ModePerm); err != nil {
				return nil, errors.WithStack(err)
			}
		}
	}
	interval, err := props.GetInt("Registry.FlushInterval", 0)
	if err != nil {
		return nil, err
	}
	if interval > 0 {
		return locator.NewHybridStore(db, time.Duration(interval)*time.Millisecond, clock.New(), logger)
	}
	return locator.NewFileStore(db)
}

func startRegistry(props *config.Properties, metricsAddr string) error {
	if props.Get("Registry.Endpoints") == "" {
		return errors.New("Registry.Endpoints is not set")
	}
	reg, registerer := metricsRegistry(metricsAddr)
	comm, err := newCommunicator(props, registerer)
	if err != nil {
		return err
	}
	defer destroy(comm)

	store, err := openStore(props, comm.Logger())
	if err != nil {
		return err
	}
	registry, err := locator.NewRegistry(store, comm.References(), comm.Logger())
	if err != nil {
		store.Close()
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}()

	adapter, err := comm.CreateObjectAdapter("Registry")
	if err != nil {
		return err
	}
	name := props.GetWithDefault("Registry.Identity", "Locator")
	proxy, err := adapter.Add(communicator.NewLocatorServant(registry), protocol.Identity{Name: name})
	if err != nil {
		return err
	}
	ctx, cancel := shutdownContext()
	err = adapter.Activate(ctx)
	cancel()
	if err != nil {
		return err
	}

	figure.NewFigure("ice-lite registry", "", true).Print()
	fmt.Printf("\nLocator proxy: %v\n", proxy)
	fmt.Printf("%v adapter(s), %v object(s) registered\n", len(registry.Adapters()), len(registry.Objects()))
	if srv := serveMetrics(metricsAddr, reg); srv != nil {
		defer srv.Close()
		fmt.Printf("Metrics on http://%v/metrics\n", metricsAddr)
	}

	waitForSignal()
	fmt.Println("Shutting down registry...")
	return nil
}

func startEchoServer(props *config.Properties, metricsAddr string) error {
	if props.Get("Echo.Endpoints") == "" {
		return errors.New("Echo.Endpoints is not set")
	}
	reg, registerer := metricsRegistry(metricsAddr)
	comm, err := newCommunicator(props, registerer)
	if err != nil {
		return err
	}
	defer destroy(comm)

	adapter, err := comm.CreateObjectAdapter("Echo")
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	echo := shell.NewEcho(props.GetWithDefault("Echo.Name", hostname))
	proxy, err := adapter.Add(echo, protocol.Identity{Name: props.GetWithDefault("Echo.Identity", "echo")})
	if err != nil {
		return err
	}
	ctx, cancel := shutdownContext()
	err = adapter.Activate(ctx)
	cancel()
	if err != nil {
		return err
	}

	figure.NewFigure("ice-lite echo", "", true).Print()
	fmt.Printf("\nEcho proxy: %v\n", proxy)
	if adapter.AdapterID() != "" {
		fmt.Printf("Direct proxy: %v\n", adapter.CreateDirectProxy(proxy.Identity()))
	}
	if srv := serveMetrics(metricsAddr, reg); srv != nil {
		defer srv.Close()
		fmt.Printf("Metrics on http://%v/metrics\n", metricsAddr)
	}

	waitForSignal()
	fmt.Printf("Shutting down echo server after %v call(s)...\n", echo.Calls())
	return nil
}
