/*
 * Project: ice-lite
 * ---------------------
 * Authors:
 *   Minjian Chen 813534
 *   Shijie Liu   813277
 *   Weizhi Xu    752454
 *   Wenqing Xue  813044
 *   Zijun Chen   813190
 */

package shell

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/PwzXxm/ice-lite/communicator"
	"github.com/PwzXxm/ice-lite/config"
	"github.com/PwzXxm/ice-lite/locator"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	localTimeout = 5 * time.Second
	// LocatorProxy is the locator of a local deployment.
	LocatorProxy = "Locator:mem -h locator"
)

type server struct {
	comm       *communicator.Communicator
	adapter    *communicator.ObjectAdapter
	echo       *Echo
	generation int
}

// Local is an in-process deployment on a memory network: a locator
// registry, n echo servers registered as adapters server-0 to server-n-1
// and a client communicator configured with the locator.
type Local struct {
	n        int
	network  *transport.MemNetwork
	registry *locator.Registry
	regComm  *communicator.Communicator
	servers  map[string]*server
	client   *communicator.Communicator
	logger   *logrus.Logger
}

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Out = os.Stdout
}

// RunLocally starts a deployment with n servers.
func RunLocally(n int) (*Local, error) {
	log.Info("Starting local deployment ...")
	if n <= 0 {
		return nil, errors.Errorf("The number of servers should be positive, but got %v", n)
	}

	l := &Local{
		n:       n,
		network: transport.NewMemNetwork(),
		servers: make(map[string]*server),
		logger:  log,
	}
	if err := l.startRegistry(); err != nil {
		l.StopAll()
		return nil, err
	}
	for i := 0; i < n; i++ {
		id := "server-" + strconv.Itoa(i)
		if err := l.startServer(id, 0); err != nil {
			l.StopAll()
			return nil, err
		}
	}
	client, err := l.newCommunicator(map[string]string{
		"Ice.Default.Locator": LocatorProxy,
		"Ice.RetryIntervals":  "0 10 50",
	})
	if err != nil {
		l.StopAll()
		return nil, err
	}
	l.client = client
	return l, nil
}

func (l *Local) newCommunicator(props map[string]string) (*communicator.Communicator, error) {
	p := config.NewProperties()
	for k, v := range props {
		p.Set(k, v)
	}
	return communicator.New(communicator.Options{
		Properties: p,
		Logger:     logrus.NewEntry(l.logger),
		Transports: transport.NewRegistry(l.network),
	})
}

func (l *Local) startRegistry() error {
	c, err := l.newCommunicator(nil)
	if err != nil {
		return err
	}
	l.regComm = c
	if l.registry, err = locator.NewRegistry(locator.NewMemoryStore(), c.References(), logrus.NewEntry(l.logger)); err != nil {
		return err
	}
	a, err := c.CreateObjectAdapterWithEndpoints("Locator", "mem -h locator")
	if err != nil {
		return err
	}
	if _, err := a.Add(communicator.NewLocatorServant(l.registry), protocol.Identity{Name: "Locator"}); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), localTimeout)
	defer cancel()
	return a.Activate(ctx)
}

// startServer starts the server id. Each generation listens on its own
// endpoint so that a restarted server moves.
func (l *Local) startServer(id string, generation int) error {
	c, err := l.newCommunicator(map[string]string{
		"Ice.Default.Locator": LocatorProxy,
		id + ".AdapterId":     id,
		id + ".Endpoints":     fmt.Sprintf("mem -h %s.%d", id, generation),
	})
	if err != nil {
		return err
	}
	a, err := c.CreateObjectAdapter(id)
	if err != nil {
		c.Destroy(context.Background())
		return err
	}
	echo := NewEcho(id)
	if _, err := a.Add(echo, protocol.Identity{Name: "echo"}); err != nil {
		c.Destroy(context.Background())
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), localTimeout)
	defer cancel()
	if err := a.Activate(ctx); err != nil {
		c.Destroy(context.Background())
		return err
	}
	l.servers[id] = &server{comm: c, adapter: a, echo: echo, generation: generation}
	return nil
}

// Client is the communicator clients of the deployment use.
func (l *Local) Client() *communicator.Communicator {
	return l.client
}

func (l *Local) Registry() *locator.Registry {
	return l.registry
}

func (l *Local) Network() *transport.MemNetwork {
	return l.network
}

func (l *Local) ServerIDs() []string {
	ids := make([]string, 0, len(l.servers))
	for id := range l.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Local) validateServerID(id string) (*server, error) {
	s, ok := l.servers[id]
	if !ok {
		return nil, errors.Errorf("Unable to find server %v in the current list", id)
	}
	return s, nil
}

// Calls is the number of echo requests server id dispatched.
func (l *Local) Calls(id string) (int64, error) {
	s, err := l.validateServerID(id)
	if err != nil {
		return 0, err
	}
	return s.echo.Calls(), nil
}

// ShutDownServer deactivates server id, which unregisters it.
func (l *Local) ShutDownServer(id string) error {
	s, err := l.validateServerID(id)
	if err != nil {
		return err
	}
	if s.comm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), localTimeout)
	defer cancel()
	err = s.comm.Destroy(ctx)
	s.comm, s.adapter = nil, nil
	l.logger.Infof("server %v shut down", id)
	return err
}

// RestartServer starts server id again on a new endpoint.
func (l *Local) RestartServer(id string) error {
	s, err := l.validateServerID(id)
	if err != nil {
		return err
	}
	if s.comm != nil {
		if err := l.ShutDownServer(id); err != nil {
			return err
		}
	}
	if err := l.startServer(id, s.generation+1); err != nil {
		return err
	}
	l.logger.Infof("server %v restarted", id)
	return nil
}

func (l *Local) StopAll() {
	ctx, cancel := context.WithTimeout(context.Background(), localTimeout)
	defer cancel()
	if l.client != nil {
		l.client.Destroy(ctx)
	}
	for _, s := range l.servers {
		if s.comm != nil {
			s.comm.Destroy(ctx)
		}
	}
	if l.regComm != nil {
		l.regComm.Destroy(ctx)
	}
	l.network.Shutdown()
}

func (l *Local) Wait(sec int) {
	if sec <= 0 {
		l.logger.Warnf("Seconds to wait should be positive integer, not %v", sec)
		return
	}

	l.logger.Infof("Sleeping for %v second(s)", sec)
	time.Sleep(time.Duration(sec) * time.Second)
}
