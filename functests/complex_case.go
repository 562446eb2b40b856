package functests

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/PwzXxm/ice-lite/communicator"
	"github.com/PwzXxm/ice-lite/shell"
	"github.com/PwzXxm/ice-lite/utils"
	"github.com/pkg/errors"
)

const (
	networkReliability  = "nr"
	serverRestart       = "sr"
	serverStatusChange  = "ssc"
	networkBackToNormal = "nb"
	clientRequest       = "cr"
)

const (
	nrWeight    = 1
	srWeight    = 1
	sscWeight   = 1
	nbWeight    = 1
	crWeight    = 5
	totalWeight = nrWeight + srWeight + sscWeight + nbWeight + crWeight
)

const complexServers = 5

func getRandomEvent() string {
	weightList := []int{nrWeight, srWeight, sscWeight, nbWeight, crWeight}
	eventList := []string{networkReliability, serverRestart, serverStatusChange, networkBackToNormal, clientRequest}
	rd := utils.Random(1, totalWeight)
	sum := 0
	for i, weight := range weightList {
		sum += weight
		if sum >= rd {
			return eventList[i]
		}
	}
	return ""
}

// unreliable makes connects slow and lets them fail with probability
// failRate.
type unreliable struct {
	latencyMin, latencyMax time.Duration
	failRate               float64
}

func (u unreliable) hook(ctx context.Context, name string) error {
	if u.latencyMax > 0 {
		select {
		case <-time.After(utils.RandomTime(u.latencyMin, u.latencyMax)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if utils.RandomBool(u.failRate) {
		return errors.Errorf("connect to %v dropped", name)
	}
	return nil
}

// RunComplex drives a local deployment with random events for the given
// number of minutes. Requests to servers that are up and reachable on a
// reliable network must succeed.
func RunComplex(minutes int64) error {
	if minutes <= 0 {
		return errors.Errorf("Time should be positive, but got %v", minutes)
	}
	sl, err := shell.RunLocally(complexServers)
	if err != nil {
		return err
	}
	defer sl.StopAll()

	ids := sl.ServerIDs()
	proxies := make(map[string]*communicator.Proxy, len(ids))
	for _, id := range ids {
		if proxies[id], err = sl.Client().StringToProxy("echo @ " + id); err != nil {
			return err
		}
	}
	down := make(map[string]bool)
	reliable := true

	var sent, failed atomic.Int64
	done := make(chan struct{})
	defer close(done)
	go func() {
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Second):
			}
			fmt.Printf("Check %v: %v request(s) sent, %v failed\n", i, sent.Load(), failed.Load())
		}
	}()

	deadline := time.Now().Add(time.Duration(minutes) * time.Minute)
	for time.Now().Before(deadline) {
		switch getRandomEvent() {
		case networkReliability:
			u := unreliable{
				latencyMin: time.Duration(utils.Random(0, 100)) * time.Millisecond,
				latencyMax: time.Duration(utils.Random(200, 300)) * time.Millisecond,
				failRate:   utils.RandomFloat(0, 0.4),
			}
			sl.Network().SetDialHook(u.hook)
			reliable = false
			fmt.Printf("Connect latency Min: %v, Max: %v, failure rate: %.2f\n", u.latencyMin, u.latencyMax, u.failRate)
		case serverRestart:
			id := ids[utils.Random(0, len(ids)-1)]
			if err := sl.RestartServer(id); err != nil {
				return err
			}
			down[id] = false
			fmt.Printf("%v restarted\n", id)
		case serverStatusChange:
			// each server has 20% probability to be offline
			for _, id := range ids {
				if utils.RandomBool(0.2) {
					if err := sl.ShutDownServer(id); err != nil {
						return err
					}
					down[id] = true
					fmt.Print(id, " is not working...\n")
				} else if down[id] {
					if err := sl.RestartServer(id); err != nil {
						return err
					}
					down[id] = false
					fmt.Print(id, " is working...\n")
				}
			}
		case networkBackToNormal:
			sl.Network().SetDialHook(nil)
			reliable = true
			fmt.Println("Network back to normal")
		case clientRequest:
			id := ids[utils.Random(0, len(ids)-1)]
			ctx, cancel := context.WithTimeout(context.Background(), caseTimeout)
			msg := fmt.Sprint(utils.Random(0, 100))
			err := checkEcho(ctx, proxies[id], msg)
			cancel()
			sent.Add(1)
			if err != nil {
				failed.Add(1)
				if reliable && !down[id] {
					return errors.Wrapf(err, "request to %v failed on a reliable network", id)
				}
			}
			time.Sleep(utils.RandomTime(0, time.Second))
		}
	}
	fmt.Printf("%v request(s) sent, %v failed\n", sent.Load(), failed.Load())
	return nil
}
