// Copyright 2012 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package service

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"scanproxy/logging"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
	"golang.org/x/term"
)

var svcName = "scanproxy"

// Service runs action against the Windows service, or runs the proxy as the
// service when started by the service manager. An empty action runs the
// proxy interactively.
func Service(action string, configFilename string) error {
	var err error
	var state svc.State

	cF, err := filepath.Abs(configFilename)
	if err != nil {
		return fmt.Errorf("cannot determine absolute file path of configuration file %s: %w", configFilename, err)
	}
	if fS, err := os.Stat(cF); err == nil && fS.Mode().IsDir() {
		return fmt.Errorf("configuration file %s is a directory", configFilename)
	}
	configFilename = cF

	inService, err := svc.IsWindowsService()
	if err != nil {
		logging.Printf("ERROR", "Service: failed to determine if we are running in service: %v\n", err)
	}
	if inService {
		return runService(svcName, configFilename)
	}

	cmd := strings.ToLower(action)
	logging.Printf("INFO", "Service: run command %s\n", cmd)
	switch cmd {
	case "autostart", "manualstart":
		err = updateService(svcName, cmd)
	case "install":
		fmt.Printf("Enter User for service %s (This user will be the user to authenticate to upstream proxies if necessary): ", svcName)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Scan()
		if err = scanner.Err(); err != nil {
			return fmt.Errorf("service user read error: %w", err)
		}
		fmt.Printf("\n")
		serviceUser := scanner.Text()
		fmt.Printf("Enter Password for %s: ", serviceUser)
		var bytePassword []byte
		bytePassword, err = term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("service user password read error: %w", err)
		}
		fmt.Printf("\n")
		err = installService(svcName, "scanproxy Service", serviceUser, string(bytePassword), configFilename)
	case "remove":
		err = removeService(svcName)
	case "start":
		err = startService(svcName, configFilename)
	case "stop":
		state, err = controlService(svcName, svc.Stop, svc.Stopped)
	case "pause":
		state, err = controlService(svcName, svc.Pause, svc.Paused)
	case "continue":
		state, err = controlService(svcName, svc.Continue, svc.Running)
	case "status":
		state, err = controlService(svcName, svc.Interrogate, 0)
	case "", "none":
		logging.Printf("INFO", "Service: run interactive\n")
		return Run(configFilename, nil)
	default:
		return fmt.Errorf("unknown service action %s", action)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", cmd, svcName, err)
	}
	logging.Printf("INFO", "Service: status %s\n", stateName(state))
	return nil
}

// exePath returns the absolute path of the running binary, adding the .exe
// suffix when the command was started without it.
func exePath() (string, error) {
	logging.Printf("TRACE", "%s: called\n", logging.GetFunctionName())
	p, err := filepath.Abs(os.Args[0])
	if err != nil {
		return "", err
	}
	candidates := []string{p}
	if filepath.Ext(p) == "" {
		candidates = []string{p + ".exe", p}
	}
	for _, candidate := range candidates {
		fi, statErr := os.Stat(candidate)
		switch {
		case statErr != nil:
			err = statErr
		case fi.Mode().IsDir():
			err = fmt.Errorf("%s is directory", candidate)
		default:
			return candidate, nil
		}
	}
	return "", err
}

func installService(name, desc string, username string, password string, configFile string) error {
	logging.Printf("TRACE", "%s: called\n", logging.GetFunctionName())
	var serviceConfig mgr.Config
	exepath, err := exePath()
	if err != nil {
		return err
	}
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer m.Disconnect()
	s, err := m.OpenService(name)
	if err == nil {
		s.Close()
		return fmt.Errorf("service %s already exists", name)
	}
	serviceConfig.DisplayName = desc
	serviceConfig.Description = "Forwards web requests to parent proxies and handles ISA scanning pages"
	serviceConfig.ServiceStartName = username
	serviceConfig.Password = password
	s, err = m.CreateService(name, exepath, serviceConfig, "service", "-c", configFile)
	if err != nil {
		return err
	}
	defer s.Close()
	return nil
}

func updateService(name, config string) error {
	logging.Printf("TRACE", "%s: called\n", logging.GetFunctionName())
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer m.Disconnect()
	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("service %s is not installed", name)
	}
	defer s.Close()
	serviceConfig, err := s.Config()
	if err != nil {
		return err
	}
	switch {
	case config == "autostart":
		serviceConfig.StartType = mgr.StartAutomatic
	case config == "manualstart":
		serviceConfig.StartType = mgr.StartManual
	}
	return s.UpdateConfig(serviceConfig)
}

func removeService(name string) error {
	logging.Printf("TRACE", "%s: called\n", logging.GetFunctionName())
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer m.Disconnect()
	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("service %s is not installed", name)
	}
	defer s.Close()
	err = s.Delete()
	if err != nil {
		return err
	}
	return nil
}

func startService(name string, configFile string) error {
	logging.Printf("TRACE", "%s: called\n", logging.GetFunctionName())
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer m.Disconnect()
	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("could not access service: %v", err)
	}
	defer s.Close()
	logging.Printf("INFO", "startService: Starting service %s with configuration file: %s\n", name, configFile)
	err = s.Start("-c", configFile)
	if err != nil {
		return fmt.Errorf("could not start service: %v", err)
	}
	logging.Printf("INFO", "startService: Started service %s\n", name)
	return nil
}

func controlService(name string, c svc.Cmd, to svc.State) (svc.State, error) {
	logging.Printf("TRACE", "%s: called\n", logging.GetFunctionName())
	m, err := mgr.Connect()
	if err != nil {
		return 0, err
	}
	defer m.Disconnect()
	s, err := m.OpenService(name)
	if err != nil {
		return 0, fmt.Errorf("could not access service: %v", err)
	}
	defer s.Close()
	status, err := s.Control(c)
	if err != nil {
		return 0, fmt.Errorf("could not send control=%d: %v", c, err)
	}
	timeout := time.Now().Add(10 * time.Second)
	for c != svc.Interrogate && status.State != to {
		if timeout.Before(time.Now()) {
			return 0, fmt.Errorf("timeout waiting for service to go to state=%d", to)
		}
		time.Sleep(300 * time.Millisecond)
		status, err = s.Query()
		if err != nil {
			return 0, fmt.Errorf("could not retrieve service status: %v", err)
		}
	}
	return status.State, err
}

func runService(name string, configFilename string) error {
	logging.Printf("TRACE", "%s: called\n", logging.GetFunctionName())
	logging.Printf("INFO", "runService: Starting service %s\n", name)
	err := svc.Run(name, &scanproxyService{configFilename: configFilename})
	if err != nil {
		logging.Printf("ERROR", "runService: Service %s failed: %v\n", name, err)
		return err
	}
	logging.Printf("INFO", "runService: Service %s stopped\n", name)
	return nil
}

type scanproxyService struct {
	configFilename string
}

func (m *scanproxyService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (ssec bool, errno uint32) {
	logging.Printf("TRACE", "%s: called\n", logging.GetFunctionName())
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown | svc.AcceptPauseAndContinue
	changes <- svc.Status{State: svc.StartPending}

	configFilename := m.configFilename
	if len(args) > 2 && args[1] == "-c" {
		configFilename = args[2]
	}
	logging.Printf("DEBUG", "Execute: Service args: %s\n", strings.Join(args, ","))
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Run(configFilename, stop)
	}()

	changes <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}
loop:
	for {
		select {
		case err := <-done:
			logging.Printf("ERROR", "Execute: Proxy stopped: %v\n", err)
			changes <- svc.Status{State: svc.StopPending}
			return false, 1
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				break loop
			case svc.Pause:
				changes <- svc.Status{State: svc.Paused, Accepts: cmdsAccepted}
			case svc.Continue:
				changes <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}
			default:
				logging.Printf("ERROR", "Execute: Unexpected control request #%d\n", c)
			}
		}
	}
	changes <- svc.Status{State: svc.StopPending}
	close(stop)
	<-done
	return false, 0
}

var stateNames = map[svc.State]string{
	svc.Stopped:         "Stopped",
	svc.StartPending:    "StartPending",
	svc.StopPending:     "StopPending",
	svc.Running:         "Running",
	svc.ContinuePending: "ContinuePending",
	svc.PausePending:    "PausePending",
	svc.Paused:          "Paused",
}

func stateName(state svc.State) string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", state)
}
