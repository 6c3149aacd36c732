package web

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
)

type Server struct {
	Hub *Hub

	// Tags, if set, backs GET /tags with the latest estimate per tag.
	Tags func() any
}

func NewServer() *Server {
	return &Server{
		Hub: NewHub(),
	}
}

// Handler builds the route table. configDir and distDir may be empty.
func (s *Server) Handler(distDir, configDir string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(s.Hub, w, r)
	})

	mux.HandleFunc("/tags", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var tags any = []any{}
		if s.Tags != nil {
			tags = s.Tags()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(tags); err != nil {
			log.Printf("web: encode tags: %v", err)
		}
	})

	if configDir != "" {
		mux.HandleFunc("/project.xml", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, filepath.Join(configDir, "project.xml"))
		})
		mapDir := filepath.Join(configDir, "Map")
		if _, err := os.Stat(mapDir); err == nil {
			mux.Handle("/Map/", http.StripPrefix("/Map/", http.FileServer(http.Dir(mapDir))))
		}
	}

	if distDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(distDir)))
	}
	return mux
}

// Start runs the hub and serves HTTP until the listener fails.
func (s *Server) Start(port int, distDir, configDir string) error {
	go s.Hub.Run()

	addr := fmt.Sprintf(":%d", port)
	log.Printf("HTTP Server listening on %s", addr)
	return http.ListenAndServe(addr, s.Handler(distDir, configDir))
}
