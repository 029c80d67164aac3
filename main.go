/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * The main function: daemon bootstrap plus a small CLI for driving the
 * control socket (attach/detach/list/persistent), the usbip(8) command
 * surface this core stands in for.
 */

package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
)

// Version identifies this build, reported by the "status" mode and the
// control socket's GET /status route.
const Version = "1.0"

const usageText = `Usage:
    %[1]s mode [options]

Modes are:
    standalone            - run forever, serving attach/detach requests
                             over the control socket
    debug                  - like standalone, but logs duplicated on console,
                             -bg is ignored
    check                  - check configuration and exit
    status                 - print daemon status and exit
    attach host service busid
                            - import a remote device; persisted on success
                             so a later failure schedules a reattach
    detach port|all         - release one port, or every attached device
    list                    - list currently attached devices
    persistent get          - print the persisted device location list
    persistent set entry...  - replace it, each entry "host,service,busid"

Options are
    -bg         - run in background (ignored in debug/check/status mode)
`

// RunMode represents the program run mode
type RunMode int

const (
	RunDefault RunMode = iota
	RunStandalone
	RunDebug
	RunCheck
	RunStatus
	RunAttach
	RunDetach
	RunList
	RunPersistentGet
	RunPersistentSet
)

// String returns RunMode name
func (m RunMode) String() string {
	switch m {
	case RunDefault:
		return "default"
	case RunStandalone:
		return "standalone"
	case RunDebug:
		return "debug"
	case RunCheck:
		return "check"
	case RunStatus:
		return "status"
	case RunAttach:
		return "attach"
	case RunDetach:
		return "detach"
	case RunList:
		return "list"
	case RunPersistentGet:
		return "persistent get"
	case RunPersistentSet:
		return "persistent set"
	}

	return fmt.Sprintf("unknown (%d)", int(m))
}

// runsAsDaemon reports whether m keeps the process running as the VHCI
// daemon, as opposed to a one-shot client command
func (m RunMode) runsAsDaemon() bool {
	return m == RunStandalone || m == RunDebug
}

// RunParameters represents the program run parameters
type RunParameters struct {
	Mode       RunMode
	Background bool

	// attach
	Host, Service, BusID string

	// detach
	DetachAll bool
	Port      int

	// persistent set
	Entries []string
}

// usage prints detailed usage and exits
func usage() {
	fmt.Printf(usageText, os.Args[0])
	os.Exit(0)
}

// usageError prints a usage error and exits
func usageError(format string, args ...interface{}) {
	if format != "" {
		fmt.Printf(format+"\n", args...)
	}

	fmt.Printf("Try %s -h for more information\n", os.Args[0])
	os.Exit(1)
}

// parseArgv parses program parameters. In a case of usage error,
// it prints an error message and exits.
func parseArgv() (params RunParameters) {
	args := os.Args[1:]
	if len(args) == 0 {
		usageError("Missing mode argument")
	}

	switch args[0] {
	case "-h", "-help", "--help":
		usage()
	case "standalone":
		params.Mode = RunStandalone
	case "debug":
		params.Mode = RunDebug
	case "check":
		params.Mode = RunCheck
	case "status":
		params.Mode = RunStatus
	case "attach":
		params.Mode = RunAttach
		parseAttachArgv(args[1:], &params)
		return
	case "detach":
		params.Mode = RunDetach
		parseDetachArgv(args[1:], &params)
		return
	case "list":
		params.Mode = RunList
	case "persistent":
		parsePersistentArgv(args[1:], &params)
		return
	default:
		usageError("Invalid mode %q", args[0])
	}

	for _, arg := range args[1:] {
		switch arg {
		case "-bg":
			params.Background = true
		default:
			usageError("Invalid argument %s", arg)
		}
	}

	if params.Mode == RunDebug {
		params.Background = false
	}

	return
}

func parseAttachArgv(args []string, params *RunParameters) {
	if len(args) != 3 {
		usageError("attach requires host, service and busid")
	}
	params.Host, params.Service, params.BusID = args[0], args[1], args[2]
}

func parseDetachArgv(args []string, params *RunParameters) {
	if len(args) != 1 {
		usageError("detach requires a port number or \"all\"")
	}
	if args[0] == "all" {
		params.DetachAll = true
		return
	}
	n, err := fmt.Sscanf(args[0], "%d", &params.Port)
	if err != nil || n != 1 {
		usageError("invalid port %q", args[0])
	}
}

func parsePersistentArgv(args []string, params *RunParameters) {
	if len(args) == 0 {
		usageError("persistent requires \"get\" or \"set\"")
	}
	switch args[0] {
	case "get":
		params.Mode = RunPersistentGet
	case "set":
		params.Mode = RunPersistentSet
		params.Entries = args[1:]
	default:
		usageError("invalid persistent subcommand %q", args[0])
	}
}

// printStatus prints status of the running daemon, if any
func printStatus() {
	text, err := StatusRetrieve()
	if err != nil {
		Console.Info(0, "%s", err)
		return
	}
	Console.Info(0, "%s", text)
}

// runClientCommand dispatches the one-shot client-facing modes over the
// control socket and prints the result; it does not touch Conf.StateDir,
// the VHCI or the supervisor, all of which belong to the running daemon.
func runClientCommand(params RunParameters) {
	c := newCtrlsockClient()

	switch params.Mode {
	case RunAttach:
		req := PluginHardwareRequest{
			Version: IoctlVersion, NodeName: params.Host, ServiceName: params.Service, BusID: params.BusID,
		}
		var rsp PluginHardwareResponse
		err := c.do("POST", "/plugin", req, &rsp)
		Console.Check(err)
		Console.Info(0, "attached at port %d", rsp.Port)

	case RunDetach:
		req := PlugoutHardwareRequest{Version: IoctlVersion}
		if !params.DetachAll {
			req.Port = params.Port
		}
		err := c.do("POST", "/plugout", req, nil)
		Console.Check(err)
		Console.Info(0, "ok")

	case RunList:
		var devices []ImportedDevice
		err := c.do("GET", "/devices", nil, &devices)
		Console.Check(err)
		if len(devices) == 0 {
			Console.Info(0, "no attached devices")
			return
		}
		sort.Slice(devices, func(i, j int) bool { return devices[i].Port < devices[j].Port })
		for _, d := range devices {
			Console.Info(0, "port %-3d %s:%s/%s  speed=%s  state=%s",
				d.Port, d.Attrs.NodeName, d.Attrs.ServiceName, d.Attrs.BusID, d.Speed, d.State)
		}

	case RunPersistentGet:
		var rsp PersistentListResponse
		err := c.do("GET", "/persistent", nil, &rsp)
		Console.Check(err)
		for _, e := range rsp.Entries {
			Console.Info(0, "%s", e)
		}

	case RunPersistentSet:
		req := PersistentListRequest{Version: IoctlVersion, Entries: params.Entries}
		err := c.do("PUT", "/persistent", req, nil)
		Console.Check(err)
		Console.Info(0, "ok")
	}
}

// The main function
func main() {
	params := parseArgv()

	err := ConfLoad()
	log_check(err)

	switch {
	case params.Mode == RunDebug:
		if Conf.ColorConsole {
			Console.ToColorConsole()
		}
		Log.Cc(Conf.LogMain, Console)
	case params.Mode == RunStandalone:
		Log.ToDevFile("usbipvhci")
		Console.ToNowhere()
	default:
		// one-shot client commands (check/status/attach/detach/list/persistent):
		// leave Log on its default and print results straight to Console
		if Conf.ColorConsole {
			Console.ToColorConsole()
		}
	}

	if params.Mode == RunCheck {
		Console.Info(0, "Configuration files: OK")
		os.Exit(0)
	}

	if params.Mode == RunStatus {
		printStatus()
		os.Exit(0)
	}

	if !params.Mode.runsAsDaemon() {
		runClientCommand(params)
		os.Exit(0)
	}

	// Check user privileges
	if os.Geteuid() != 0 {
		Log.Exit(0, "usbipvhci-go requires root privileges")
	}

	// If background run is requested, it's time to fork
	if params.Background {
		err = Daemon()
		Log.Check(err)
		os.Exit(0)
	}

	// Prevent multiple copies of the daemon running at the same time
	os.MkdirAll(PathRunDir, 0755)
	lock, err := os.OpenFile(PathLockFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	Log.Check(err)
	defer lock.Close()

	err = FileLock(lock, true, false)
	if err == ErrLockIsBusy {
		Log.Exit(0, "usbipvhci-go already running")
	}
	Log.Check(err)

	Log.Info(' ', "===============================")
	Log.Info(' ', "usbipvhci-go started in %q mode, pid=%d", params.Mode, os.Getpid())
	defer Log.Info(' ', "usbipvhci-go finished")

	err = bootstrapRuntime()
	Log.Check(err)

	err = CtrlsockStart()
	Log.Check(err)

	if params.Mode != RunDebug {
		err = CloseStdInOutErr()
		Log.Check(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	Log.Info(' ', "shutting down")
	CtrlsockStop()
	shutdownRuntime()
	store.Close()
}
