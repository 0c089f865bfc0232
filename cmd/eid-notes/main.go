package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/SimplyPrint/eid-notes/internal/api"
	"github.com/SimplyPrint/eid-notes/internal/config"
	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/logging"
	"github.com/SimplyPrint/eid-notes/internal/pcsc"
	"github.com/SimplyPrint/eid-notes/internal/service"
	"github.com/SimplyPrint/eid-notes/internal/session"
	"github.com/SimplyPrint/eid-notes/internal/settings"
	"github.com/SimplyPrint/eid-notes/internal/updater"
	"github.com/SimplyPrint/eid-notes/internal/virtual"
	"golang.org/x/term"
)

// virtualPinCode is the PIN of the blank card the virtual driver starts with.
const virtualPinCode = "1234"

func main() {
	// Define flags
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	driverFlag := flag.String("driver", "", "Card driver: pcsc or virtual")
	readerFlag := flag.String("reader", "", "Reader index or name (default: first reader)")
	pinFlag := flag.String("pin", "", "PIN that authorises writes: auth, sign or address")
	pinCodeFlag := flag.String("pin-code", "", "PIN code, skips the interactive prompt")
	imageFlag := flag.String("image", "", "Card image file of the virtual driver")
	logLevelFlag := flag.String("log-level", "", "Log level: debug, info, warn or error")

	// Custom usage message
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "eID Notes - read and write the notes field of an eID card\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  eid-notes [flags]\n")
		fmt.Fprintf(os.Stderr, "  eid-notes [flags] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Without a command the example flow runs: print the notes, then\n")
		fmt.Fprintf(os.Stderr, "replace them using the authentication PIN.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  readers       List readers and card presence\n")
		fmt.Fprintf(os.Stderr, "  read          Print the current notes\n")
		fmt.Fprintf(os.Stderr, "  write <text>  Replace the notes\n")
		fmt.Fprintf(os.Stderr, "  verify        Check a PIN code without writing\n")
		fmt.Fprintf(os.Stderr, "  export [file] Save notes and PIN status as JSON (default: stdout)\n")
		fmt.Fprintf(os.Stderr, "  serve         Run the local agent API\n")
		fmt.Fprintf(os.Stderr, "  update        Check for a newer release\n")
		fmt.Fprintf(os.Stderr, "  install       Install auto-start service\n")
		fmt.Fprintf(os.Stderr, "  uninstall     Remove auto-start service\n")
		fmt.Fprintf(os.Stderr, "  version       Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  EID_NOTES_PORT      Port to listen on (default: %d)\n", config.DefaultPort)
		fmt.Fprintf(os.Stderr, "  EID_NOTES_HOST      Host to bind to (default: %s)\n", config.DefaultHost)
		fmt.Fprintf(os.Stderr, "  EID_NOTES_DRIVER    Card driver (default: pcsc)\n")
		fmt.Fprintf(os.Stderr, "  EID_NOTES_READER    Reader index or name\n")
		fmt.Fprintf(os.Stderr, "  EID_NOTES_IMAGE     Card image of the virtual driver\n")
		fmt.Fprintf(os.Stderr, "  EID_NOTES_PIN       PIN code, skips the interactive prompt\n")
		fmt.Fprintf(os.Stderr, "  EID_NOTES_LOG_LEVEL Log level (default: info)\n")
		fmt.Fprintf(os.Stderr, "  EID_NOTES_LOG_FORMAT console or json (default: console)\n")
		fmt.Fprintf(os.Stderr, "  EID_NOTES_SENTRY_DSN Crash report destination\n")
		fmt.Fprintf(os.Stderr, "\nThe virtual driver starts with a blank card whose PINs are %s.\n", virtualPinCode)
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "version":
		printVersion()
		return
	case "update":
		if !checkUpdate(os.Stdout, updater.NewChecker(api.Version)) {
			os.Exit(1)
		}
		return
	case "install":
		if err := service.New().Install(); err != nil {
			log.Fatalf("Failed to install service: %v", err)
		}
		fmt.Println("Auto-start service installed successfully")
		return
	case "uninstall":
		if err := service.New().Uninstall(); err != nil {
			log.Fatalf("Failed to uninstall service: %v", err)
		}
		fmt.Println("Auto-start service removed successfully")
		return
	case "", "readers", "read", "write", "verify", "export", "serve":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}

	os.Exit(run(command, args, cliFlags{
		driver:   *driverFlag,
		reader:   *readerFlag,
		pin:      *pinFlag,
		pinCode:  *pinCodeFlag,
		image:    *imageFlag,
		logLevel: *logLevelFlag,
	}))
}

// cliFlags are the flags that override the environment configuration.
type cliFlags struct {
	driver   string
	reader   string
	pin      string
	pinCode  string
	image    string
	logLevel string
}

// run executes a card command and returns the process exit code.
func run(command string, args []string, flags cliFlags) int {
	// Environment first, flags override
	cfg := config.Load()
	if flags.driver != "" {
		cfg.Driver = strings.ToLower(flags.driver)
	}
	if flags.reader != "" {
		cfg.Reader = flags.reader
	}
	if flags.pinCode != "" {
		cfg.PinCode = flags.pinCode
	}
	if flags.image != "" {
		cfg.Image = flags.image
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 2
	}

	prefs, err := settings.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings, using defaults: %v\n", err)
	}
	if cfg.Reader == "" {
		cfg.Reader = prefs.DefaultReader
	}
	pinRef := settings.DefaultPin()
	if flags.pin != "" {
		if pinRef, err = eid.ParsePinRef(flags.pin); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -pin: %v\n", err)
			return 2
		}
	}

	logging.Init(1000, logging.ParseLevel(cfg.LogLevel), logging.WithConsole(cfg.LogFormat, os.Stderr))
	defer logging.Sync()

	if logging.InitSentry(api.Version, cfg.SentryDSN, prefs.CrashReporting) {
		defer logging.FlushSentry(2 * time.Second)
	}
	defer logging.RecoverAndLog("main", true)

	opts := session.Options{Reader: cfg.Reader}

	if command == "serve" {
		if err := serve(cfg, opts); err != nil {
			logging.Error(logging.CatSystem, "Agent stopped with error", map[string]any{
				"error": err.Error(),
			})
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return 0
	}

	driver := newDriver(cfg, terminalPrompter(cfg.PinCode))
	if err := runCommand(os.Stdout, command, args, driver, opts, pinRef); err != nil {
		logging.CaptureError(err, "command "+command, nil)
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func printVersion() {
	fmt.Printf("eid-notes %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

// checkUpdate reports whether a newer release exists. It returns false
// when the check failed.
func checkUpdate(w io.Writer, checker *updater.Checker) bool {
	ctx, cancel := context.WithTimeout(context.Background(), updater.RequestTimeout)
	defer cancel()

	info := checker.Check(ctx, true)
	switch {
	case info.Error != "":
		fmt.Fprintf(w, "Update check failed: %s\n", info.Error)
		return false
	case info.Available:
		fmt.Fprintf(w, "Update available: %s (running %s)\n", info.LatestVersion, info.CurrentVersion)
		if info.DownloadURL != "" {
			fmt.Fprintf(w, "Download: %s\n", info.DownloadURL)
		} else {
			fmt.Fprintf(w, "Release: %s\n", info.ReleaseURL)
		}
	default:
		fmt.Fprintf(w, "eid-notes %s is up to date (latest release %s)\n", info.CurrentVersion, info.LatestVersion)
	}
	return true
}

// newDriver builds the configured card driver.
func newDriver(cfg *config.Config, prompter eid.PinPrompter) eid.Driver {
	if cfg.Driver == config.DriverVirtual {
		opts := []virtual.Option{virtual.WithPrompter(prompter)}
		if cfg.Image != "" {
			opts = append(opts, virtual.WithImage(cfg.Image))
		}
		return virtual.NewDefault(virtualPinCode, opts...)
	}
	return pcsc.NewDriver(nil, prompter)
}

// terminalPrompter answers PIN prompts with code, or asks on the terminal
// without echo when code is empty.
func terminalPrompter(code string) eid.PinPrompter {
	return eid.PromptFunc(func(pin eid.Pin) (string, error) {
		if code != "" {
			return code, nil
		}

		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("%w: no terminal to ask for the %s", eid.ErrPINCancelled, pin.Label())
		}

		prompt := fmt.Sprintf("Enter %s", pin.Label())
		if tries := pin.TriesLeft(); tries >= 0 {
			prompt += fmt.Sprintf(" (%d tries left)", tries)
		}
		fmt.Fprintf(os.Stderr, "%s: ", prompt)
		entered, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("%w: %v", eid.ErrPINCancelled, err)
		}
		if len(entered) == 0 {
			return "", eid.ErrPINCancelled
		}
		return string(entered), nil
	})
}

// runCommand runs one of the one-shot card commands against driver. The
// driver is initialised and released exactly once.
func runCommand(w io.Writer, command string, args []string, driver eid.Driver, opts session.Options, pinRef eid.PinRef) error {
	switch command {
	case "":
		return session.RunExample(w, driver, opts)
	case "readers":
		return session.With(driver, opts, func(m *session.Manager) error {
			return listReaders(w, m)
		})
	case "read":
		return session.With(driver, opts, func(m *session.Manager) error {
			card, ok, err := findCard(w, m)
			if !ok {
				return err
			}
			notes, err := card.ReadNotes()
			if err != nil {
				return fmt.Errorf("failed to read notes: %w", err)
			}
			fmt.Fprintf(w, "Current notes: %s\n", notes)
			return nil
		})
	case "write":
		if len(args) < 2 {
			return errors.New("usage: eid-notes write <text>")
		}
		text := strings.Join(args[1:], " ")
		return session.With(driver, opts, func(m *session.Manager) error {
			card, ok, err := findCard(w, m)
			if !ok {
				return err
			}
			pin, err := card.AuthenticatePin(pinRef)
			if err != nil {
				return fmt.Errorf("failed to get %s: %w", pinRef.Label(), err)
			}
			err = card.TryWriteNotes(eid.NotesFromString(text), pin)
			if err != nil {
				fmt.Fprintln(w, "Was writing successful? No.")
				return err
			}
			fmt.Fprintln(w, "Was writing successful? Yes!")
			return nil
		})
	case "verify":
		return session.With(driver, opts, func(m *session.Manager) error {
			card, ok, err := findCard(w, m)
			if !ok {
				return err
			}
			pin, err := card.AuthenticatePin(pinRef)
			if err != nil {
				return fmt.Errorf("failed to get %s: %w", pinRef.Label(), err)
			}
			tries, err := card.VerifyPin(pin)
			if err != nil {
				fmt.Fprintf(w, "%s not verified.\n", pinRef.Label())
				return err
			}
			fmt.Fprintf(w, "%s verified (%d tries left).\n", pinRef.Label(), tries)
			return nil
		})
	case "export":
		path := ""
		if len(args) > 1 && args[1] != "-" {
			path = args[1]
		}
		return session.With(driver, opts, func(m *session.Manager) error {
			card, ok, err := findCard(w, m)
			if !ok {
				return err
			}
			return exportCard(w, path, card)
		})
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// cardExport is the file format of the export command.
type cardExport struct {
	Reader     string            `json:"reader"`
	Notes      string            `json:"notes"`
	Data       []byte            `json:"data"` // Raw notes, base64 in JSON
	Length     int               `json:"length"`
	Pins       []session.PinInfo `json:"pins"`
	ExportedAt time.Time         `json:"exportedAt"`
}

// exportCard writes the notes and PIN status of card as JSON to path, or to
// w when path is empty. The file is readable by the owner only.
func exportCard(w io.Writer, path string, card *session.CardSession) error {
	notes, err := card.ReadNotes()
	if err != nil {
		return fmt.Errorf("failed to read notes: %w", err)
	}
	pins, err := card.Pins()
	if err != nil {
		return fmt.Errorf("failed to list PINs: %w", err)
	}

	export := cardExport{
		Reader:     card.Reader(),
		Notes:      notes.String(),
		Data:       notes.Bytes(),
		Length:     notes.Len(),
		Pins:       make([]session.PinInfo, 0, len(pins)),
		ExportedAt: time.Now().UTC(),
	}
	for _, p := range pins {
		export.Pins = append(export.Pins, session.PinInfo{
			Ref:       p.Ref().String(),
			Label:     p.Label(),
			TriesLeft: p.TriesLeft(),
		})
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err := w.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	logging.Info(logging.CatCard, "Card data exported", map[string]any{
		"reader": card.Reader(),
		"path":   path,
	})
	fmt.Fprintf(w, "Exported card data to %s\n", path)
	return nil
}

// findCard selects the card of the configured reader. A missing reader or
// card is reported on w and ends the command without an error.
func findCard(w io.Writer, m *session.Manager) (*session.CardSession, bool, error) {
	card, err := m.FindCard()
	switch {
	case errors.Is(err, eid.ErrNoReader):
		fmt.Fprintln(w, "No readers found!")
		return nil, false, nil
	case errors.Is(err, eid.ErrNoCard):
		fmt.Fprintln(w, "No card found in the reader!")
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return card, true, nil
}

func listReaders(w io.Writer, m *session.Manager) error {
	readers, err := m.Readers()
	if err != nil {
		return err
	}
	count := readers.ReaderCount()
	if count == 0 {
		if _, err := readers.ReaderName(0); err != nil && !errors.Is(err, eid.ErrNoReader) {
			return err
		}
		fmt.Fprintln(w, "No readers found!")
		return nil
	}
	for i := 0; i < count; i++ {
		rc, err := readers.ReaderByIndex(i)
		if err != nil {
			return err
		}
		status := "empty"
		if rc.IsCardPresent() {
			status = "card present"
		}
		fmt.Fprintf(w, "%d: %s (%s)\n", i, rc.Name(), status)
	}
	return nil
}

// serve runs the local agent until SIGINT/SIGTERM or a shutdown request.
func serve(cfg *config.Config, opts session.Options) error {
	logging.Info(logging.CatSystem, "eID Notes agent starting", map[string]any{
		"version": api.Version,
		"driver":  cfg.Driver,
	})

	// The service answers the driver's PIN prompts with the code of the
	// request being served
	svc := session.NewService(opts)
	if err := svc.Start(newDriver(cfg, svc)); err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logging.Error(logging.CatSystem, "Failed to release card driver", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	mux := api.NewMux(svc)
	mux.HandleFunc("/v1/ws", api.InitWebSocket())

	addr := cfg.Address()
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan struct{}, 1)
	api.SetShutdownHandler(func() {
		select {
		case stop <- struct{}{}:
		default:
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("eid-notes %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-sigChan:
	case <-stop:
	}

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
