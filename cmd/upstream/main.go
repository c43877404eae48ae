// Demo upstream used to exercise the gateway locally. Echoes request details
// as JSON and can simulate slow or failing endpoints.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/logging"
)

func main() {
	var (
		addr = flag.String("addr", ":9000", "listen address")
		name = flag.String("name", "demo-upstream", "service name reported in responses")
	)
	flag.Parse()

	log, err := logging.New("info")
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	mux := http.NewServeMux()

	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		ms, _ := strconv.Atoi(r.URL.Query().Get("ms"))
		if ms <= 0 {
			ms = 5000
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		writeEcho(w, r, *name)
	})

	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		status, _ := strconv.Atoi(r.URL.Query().Get("status"))
		if status < 400 {
			status = http.StatusInternalServerError
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "simulated failure"})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeEcho(w, r, *name)
	})

	log.Info("upstream listening", zap.String("addr", *addr), zap.String("name", *name))
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatal("upstream exited", zap.Error(err))
	}
}

func writeEcho(w http.ResponseWriter, r *http.Request, name string) {
	identity := map[string]string{}
	for _, h := range []string{"X-User-Id", "X-User-Email", "X-User-Authorities", "X-User-Roles", "X-Gateway-Verified", "X-Request-Id"} {
		if v := r.Header.Get(h); v != "" {
			identity[h] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"service":  name,
		"method":   r.Method,
		"path":     r.URL.Path,
		"query":    r.URL.RawQuery,
		"identity": identity,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}
