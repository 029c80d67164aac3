/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Program configuration, loaded from an ini(5)-style file via
 * gopkg.in/ini.v1
 */

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// ConfFileName is the name of the configuration file, looked up under
// PathConfDir and next to the executable
const ConfFileName = "usbipvhci.conf"

// Configuration represents a program configuration
type Configuration struct {
	USB2Ports int // Port table size for sub-SuperSpeed devices
	USB3Ports int // Port table size for SuperSpeed and above

	ReattachMaxTries  int           // 0 = unlimited
	ReattachInitDelay time.Duration // clamped [1s, 24h]
	ReattachMaxDelay  time.Duration

	TCPKeepIdle  time.Duration
	TCPKeepCount int
	TCPKeepIntvl time.Duration

	LogDevice         LogLevel
	LogMain           LogLevel
	LogConsole        LogLevel
	LogMaxFileSize    int64
	LogMaxBackupFiles uint
	ColorConsole      bool

	CtrlSockPath string
	StateDir     string
}

// Conf contains a global instance of program configuration
var Conf = Configuration{
	USB2Ports: 30,
	USB3Ports: 30,

	ReattachMaxTries:  0,
	ReattachInitDelay: 15 * time.Second,
	ReattachMaxDelay:  time.Hour,

	TCPKeepIdle:  30 * time.Second,
	TCPKeepCount: 5,
	TCPKeepIntvl: 10 * time.Second,

	LogDevice:  LogDebug,
	LogMain:    LogDebug,
	LogConsole: LogDebug,

	LogMaxFileSize:    256 * 1024,
	LogMaxBackupFiles: 5,
	ColorConsole:      true,

	CtrlSockPath: PathControlSocket,
	StateDir:     PathProgState,
}

// ConfLoad loads the program configuration from the well-known file
// locations, in order: the system config directory, then next to the
// running executable. Missing files are not an error; bad values are.
func ConfLoad() error {
	exepath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("conf: %s", err)
	}
	exepath = filepath.Dir(exepath)

	files := []string{
		filepath.Join(PathConfDir, ConfFileName),
		filepath.Join(exepath, ConfFileName),
	}

	for _, file := range files {
		if err := confLoadFile(file); err != nil {
			return fmt.Errorf("conf: %s: %s", file, err)
		}
	}

	if Conf.USB2Ports < 1 || Conf.USB2Ports > 254 {
		return fmt.Errorf("conf: usb2-ports must be in range 1...254")
	}
	if Conf.USB3Ports < 1 || Conf.USB3Ports > 254 {
		return fmt.Errorf("conf: usb3-ports must be in range 1...254")
	}
	if Conf.USB2Ports+Conf.USB3Ports > 254 {
		return fmt.Errorf("conf: usb2-ports + usb3-ports must not exceed 254")
	}

	return nil
}

func confLoadFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return err
	}

	ports := cfg.Section("ports")
	Conf.USB2Ports = ports.Key("usb2-ports").MustInt(Conf.USB2Ports)
	Conf.USB3Ports = ports.Key("usb3-ports").MustInt(Conf.USB3Ports)

	reattach := cfg.Section("reattach")
	Conf.ReattachMaxTries = reattach.Key("max-tries").MustInt(Conf.ReattachMaxTries)
	Conf.ReattachInitDelay = clampDuration(
		reattach.Key("init-delay").MustDuration(Conf.ReattachInitDelay), time.Second, 24*time.Hour)
	Conf.ReattachMaxDelay = clampDuration(
		reattach.Key("max-delay").MustDuration(Conf.ReattachMaxDelay), time.Second, 24*time.Hour)

	tcp := cfg.Section("tcp")
	Conf.TCPKeepIdle = tcp.Key("keepalive-idle").MustDuration(Conf.TCPKeepIdle)
	Conf.TCPKeepCount = tcp.Key("keepalive-count").MustInt(Conf.TCPKeepCount)
	Conf.TCPKeepIntvl = tcp.Key("keepalive-interval").MustDuration(Conf.TCPKeepIntvl)

	logging := cfg.Section("logging")
	if v, err := parseLogLevel(logging.Key("device-log").String()); err == nil && logging.HasKey("device-log") {
		Conf.LogDevice = v
	}
	if v, err := parseLogLevel(logging.Key("main-log").String()); err == nil && logging.HasKey("main-log") {
		Conf.LogMain = v
	}
	if v, err := parseLogLevel(logging.Key("console-log").String()); err == nil && logging.HasKey("console-log") {
		Conf.LogConsole = v
	}
	Conf.ColorConsole = logging.Key("console-color").MustBool(Conf.ColorConsole)
	Conf.LogMaxBackupFiles = uint(logging.Key("max-backup-files").MustUint(uint64(Conf.LogMaxBackupFiles)))
	if sz := logging.Key("max-file-size").String(); sz != "" {
		n, err := parseSize(sz)
		if err != nil {
			return fmt.Errorf("max-file-size: %s", err)
		}
		Conf.LogMaxFileSize = n
	}

	paths := cfg.Section("paths")
	Conf.CtrlSockPath = paths.Key("ctrlsock-path").MustString(Conf.CtrlSockPath)
	Conf.StateDir = paths.Key("state-dir").MustString(Conf.StateDir)

	return nil
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// parseLogLevel parses a comma-separated log level/trace-flag list,
// matching the teacher's own "error,info,debug,trace-*" vocabulary,
// renamed to this daemon's trace flags.
func parseLogLevel(s string) (LogLevel, error) {
	var mask LogLevel
	if s == "" {
		return mask, fmt.Errorf("empty")
	}

	for _, tok := range strings.Split(s, ",") {
		switch strings.TrimSpace(tok) {
		case "":
		case "error":
			mask |= LogError
		case "info":
			mask |= LogInfo | LogError
		case "debug":
			mask |= LogDebug | LogInfo | LogError
		case "trace-wire":
			mask |= LogTraceWire | LogDebug | LogInfo | LogError
		case "trace-ioctl":
			mask |= LogTraceIoctl | LogDebug | LogInfo | LogError
		case "trace-reattach":
			mask |= LogTraceReattach | LogDebug | LogInfo | LogError
		case "all", "trace-all":
			mask |= LogAll
		default:
			return mask, fmt.Errorf("invalid log level %q", tok)
		}
	}

	return mask, nil
}

func parseSize(s string) (int64, error) {
	units := int64(1)
	if l := len(s); l > 0 {
		switch s[l-1] {
		case 'k', 'K':
			units = 1024
			s = s[:l-1]
		case 'm', 'M':
			units = 1024 * 1024
			s = s[:l-1]
		}
	}

	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("%q: invalid size", s)
	}
	return n * units, nil
}
