package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/logging"
	"github.com/SimplyPrint/eid-notes/internal/session"
	"github.com/SimplyPrint/eid-notes/internal/settings"
	"github.com/SimplyPrint/eid-notes/internal/updater"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	// Try to get VCS info from Go's build info
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

// NotesService is the card access the API needs. session.Service
// implements it.
type NotesService interface {
	ListReaders() ([]session.ReaderInfo, error)
	CardPresent(reader string) (bool, error)
	ReadNotes(reader string) (string, eid.ByteArray, error)
	WriteNotes(reader string, notes eid.ByteArray, ref eid.PinRef, code string) error
	Pins(reader string) ([]session.PinInfo, error)
	VerifyPin(reader string, ref eid.PinRef, code string) (int, error)
}

// cardService backs every card endpoint; set by NewMux
var cardService NotesService

// updateChecker answers /v1/update; set by NewMux
var updateChecker *updater.Checker

// shutdownHandler is called when a shutdown is requested via API
var shutdownHandler func()

// SetShutdownHandler sets the callback for shutdown requests
func SetShutdownHandler(handler func()) {
	shutdownHandler = handler
}

// NewMux constructs and returns the HTTP mux for the API.
func NewMux(svc NotesService) *http.ServeMux {
	cardService = svc
	updateChecker = updater.NewChecker(Version)

	mux := http.NewServeMux()

	mux.HandleFunc("/v1/readers", corsMiddleware(handleListReaders))
	mux.HandleFunc("/v1/readers/", corsMiddleware(handleReaderRoutes)) // Note the trailing slash for sub-paths
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(handleHealth))
	mux.HandleFunc("/v1/update", corsMiddleware(handleUpdate))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(handleShutdown))
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				// Send to Sentry if enabled
				logging.CapturePanic(rec, stack, context)

				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, rec, string(stack))

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

func handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	readers, err := cardService.ListReaders()
	if err != nil {
		respondError(w, err)
		return
	}
	if readers == nil {
		readers = []session.ReaderInfo{}
	}
	respondJSON(w, http.StatusOK, readers)
}

func handleReaderRoutes(w http.ResponseWriter, r *http.Request) {
	// Parse path: /v1/readers/{index}/...
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid path",
		})
		return
	}

	readerIndex, err := strconv.Atoi(parts[2])
	if err != nil || readerIndex < 0 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid reader index",
		})
		return
	}
	reader := strconv.Itoa(readerIndex)

	if len(parts) < 4 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing endpoint (e.g., /notes, /pins)",
		})
		return
	}

	switch parts[3] {
	case "notes":
		handleNotes(w, r, readerIndex, reader)
	case "pins":
		if len(parts) == 6 && parts[5] == "verify" {
			handleVerifyPin(w, r, readerIndex, reader, parts[4])
			return
		}
		if len(parts) > 4 {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "unknown endpoint",
			})
			return
		}
		handlePins(w, r, reader)
	default:
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown endpoint",
		})
	}
}

// notesResponse is the JSON form of a notes read.
type notesResponse struct {
	Reader string `json:"reader"`
	Notes  string `json:"notes"`  // Text up to the first NUL
	Data   string `json:"data"`   // Raw bytes, base64
	Length int    `json:"length"` // Raw length in bytes
}

func newNotesResponse(reader string, notes eid.ByteArray) notesResponse {
	return notesResponse{
		Reader: reader,
		Notes:  notes.String(),
		Data:   base64.StdEncoding.EncodeToString(notes.Bytes()),
		Length: notes.Len(),
	}
}

// writeNotesRequest is the body of a notes write over HTTP and WebSocket.
type writeNotesRequest struct {
	ReaderIndex int    `json:"readerIndex"` // WebSocket only; HTTP takes it from the path
	Notes       string `json:"notes"`
	Encoding    string `json:"encoding"` // "text" (default, NUL-terminated) or "base64" (raw bytes)
	Pin         string `json:"pin"`
	PinRef      string `json:"pinRef"` // auth, sign or address; settings default when empty
}

// payload converts the request into the bytes to store and the PIN to use.
func (req *writeNotesRequest) payload() (eid.ByteArray, eid.PinRef, error) {
	var notes eid.ByteArray
	switch req.Encoding {
	case "", "text":
		notes = eid.NotesFromString(req.Notes)
	case "base64":
		raw, err := base64.StdEncoding.DecodeString(req.Notes)
		if err != nil {
			return eid.ByteArray{}, 0, fmt.Errorf("%w: invalid base64 notes", errBadRequest)
		}
		notes = eid.NewByteArray(raw)
	default:
		return eid.ByteArray{}, 0, fmt.Errorf("%w: encoding must be 'text' or 'base64'", errBadRequest)
	}

	ref := settings.DefaultPin()
	if req.PinRef != "" {
		parsed, err := eid.ParsePinRef(req.PinRef)
		if err != nil {
			return eid.ByteArray{}, 0, err
		}
		ref = parsed
	}

	if req.Pin == "" {
		return eid.ByteArray{}, 0, fmt.Errorf("%w: pin is required", eid.ErrPINCancelled)
	}
	if err := eid.ValidatePINCode(req.Pin); err != nil {
		return eid.ByteArray{}, 0, err
	}
	return notes, ref, nil
}

// verifyPinRequest is the body of a PIN check over HTTP and WebSocket.
type verifyPinRequest struct {
	ReaderIndex int    `json:"readerIndex"` // WebSocket only
	PinRef      string `json:"pinRef"`      // WebSocket only; HTTP takes it from the path
	Pin         string `json:"pin"`
}

func (req *verifyPinRequest) validate() error {
	if req.Pin == "" {
		return fmt.Errorf("%w: pin is required", eid.ErrPINCancelled)
	}
	return eid.ValidatePINCode(req.Pin)
}

func handleNotes(w http.ResponseWriter, r *http.Request, readerIndex int, reader string) {
	switch r.Method {
	case http.MethodGet:
		name, notes, err := cardService.ReadNotes(reader)
		if err != nil {
			logging.Debug(logging.CatHTTP, "Notes read failed", map[string]any{
				"reader": reader,
				"error":  err.Error(),
			})
			respondError(w, err)
			return
		}
		logging.Info(logging.CatCard, "Notes read", map[string]any{
			"reader": name,
			"bytes":  notes.Len(),
		})
		respondJSON(w, http.StatusOK, newNotesResponse(name, notes))

	case http.MethodPost:
		var req writeNotesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
			return
		}

		notes, ref, err := req.payload()
		if err != nil {
			respondError(w, err)
			return
		}

		if err := cardService.WriteNotes(reader, notes, ref, req.Pin); err != nil {
			respondError(w, err)
			return
		}

		broadcastEvent("notes_written", map[string]any{
			"readerIndex": readerIndex,
			"length":      notes.Len(),
		})
		respondJSON(w, http.StatusOK, map[string]any{
			"success": "notes written successfully",
			"length":  notes.Len(),
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handlePins(w http.ResponseWriter, r *http.Request, reader string) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	pins, err := cardService.Pins(reader)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"pins": pins,
	})
}

// handleVerifyPin checks a PIN code without writing. A wrong code answers
// 401 with the attempts left, like a failed write.
func handleVerifyPin(w http.ResponseWriter, r *http.Request, readerIndex int, reader string, pinName string) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	ref, err := eid.ParsePinRef(pinName)
	if err != nil {
		respondError(w, err)
		return
	}

	var req verifyPinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, err)
		return
	}

	tries, err := cardService.VerifyPin(reader, ref, req.Pin)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"readerIndex": readerIndex,
		"pin":         ref.String(),
		"verified":    true,
		"triesLeft":   tries,
	})
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	// Listing readers exercises the whole driver stack
	readers, err := cardService.ListReaders()
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"readerCount": len(readers),
	})
}

func handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	respondJSON(w, http.StatusOK, updateChecker.Check(r.Context(), refresh))
}

func handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if shutdownHandler == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go func() {
		shutdownHandler()
	}()
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Error logged but not returned (header already sent)
}

// respondError writes err with the status its class maps to.
func respondError(w http.ResponseWriter, err error) {
	status, body := classifyError(err)
	if status >= http.StatusInternalServerError {
		logging.Error(logging.CatHTTP, "Request failed", map[string]any{
			"error": err.Error(),
		})
	}
	respondJSON(w, status, body)
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = l
				if limit > 1000 {
					limit = 1000
				}
			}
		}

		// Min level filter
		var minLevel *logging.Level
		if levelStr := query.Get("level"); levelStr != "" {
			l := logging.ParseLevel(levelStr)
			minLevel = &l
		}

		// Category filter
		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		entries := logging.Get().GetEntries(limit, minLevel, category)
		stats := logging.Get().Stats()

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": entries,
			"stats":   stats,
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Check if requesting a specific crash log
		filename := query.Get("file")
		if filename != "" {
			content, err := logging.ReadCrashLog(filename)
			if err != nil {
				respondJSON(w, http.StatusNotFound, map[string]string{
					"error": "crash log not found: " + err.Error(),
				})
				return
			}
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"filename": filename,
				"content":  content,
			})
			return
		}

		limit := 20
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = l
				if limit > 100 {
					limit = 100
				}
			}
		}

		logs, err := logging.GetCrashLogs(limit)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to list crash logs: " + err.Error(),
			})
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashes":  logs,
			"crashDir": logging.CrashLogDir(),
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// handleSettings handles GET and POST requests for user settings.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, settings.Get())

	case http.MethodPost:
		var req struct {
			CrashReporting *bool   `json:"crashReporting"`
			DefaultReader  *string `json:"defaultReader"`
			PinRef         *string `json:"pinRef"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		if req.PinRef != nil {
			if _, err := eid.ParsePinRef(*req.PinRef); err != nil {
				respondJSON(w, http.StatusBadRequest, map[string]string{
					"error": err.Error(),
				})
				return
			}
		}

		err := settings.Update(func(s *settings.Settings) {
			if req.CrashReporting != nil {
				s.CrashReporting = *req.CrashReporting
			}
			if req.DefaultReader != nil {
				s.DefaultReader = *req.DefaultReader
			}
			if req.PinRef != nil {
				ref, _ := eid.ParsePinRef(*req.PinRef)
				s.PinRef = ref.String()
			}
		})
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save settings: " + err.Error(),
			})
			return
		}

		s := settings.Get()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting": s.CrashReporting,
			"defaultReader":  s.DefaultReader,
			"pinRef":         s.PinRef,
			"message":        "Settings updated. Restart may be required for some changes to take effect.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}
