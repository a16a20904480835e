//go:build windows

package main

import (
	"fmt"
	"sync"

	"golang.org/x/sys/windows/svc"
)

// serviceName is the SCM service name.
const serviceName = "ParentalAgent"

var (
	serviceOnce sync.Once
	inService   bool
)

// isWindowsService reports whether the process was started by the Windows
// Service Control Manager. The answer is computed once.
func isWindowsService() bool {
	serviceOnce.Do(func() {
		ok, err := svc.IsWindowsService()
		inService = err == nil && ok
	})
	return inService
}

// logToStdout is false under the SCM, where stdout goes nowhere.
func logToStdout() bool { return !isWindowsService() }

// agentService implements svc.Handler for the Windows SCM.
type agentService struct {
	startFn func() (*agentComponents, error)
}

// runAsService runs the agent under the Windows Service Control Manager.
// startFn is called once the SCM has accepted the service start; it must
// return the running components so they can be shut down on SCM stop.
func runAsService(startFn func() (*agentComponents, error)) error {
	return svc.Run(serviceName, &agentService{startFn: startFn})
}

// Execute is the SCM callback. It reports StartPending while startFn runs,
// then blocks until the SCM sends Stop or Shutdown.
func (s *agentService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	comps, err := s.startFn()
	if err != nil {
		log.Error("agent start failed", "error", err)
		changes <- svc.Status{State: svc.StopPending}
		return true, 1
	}

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("agent running as Windows service")

	for cr := range r {
		switch cr.Cmd {
		case svc.Interrogate:
			changes <- cr.CurrentStatus
		case svc.Stop, svc.Shutdown:
			log.Info("SCM requested stop")
			changes <- svc.Status{State: svc.StopPending, WaitHint: uint32(shutdownTimeout.Milliseconds())}
			shutdownAgent(comps)
			return false, 0
		default:
			log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
		}
	}
	shutdownAgent(comps)
	return false, 0
}
