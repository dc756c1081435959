package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sipserv/sipserv/internal/media"
)

// recordingResponse is the JSON response for a single recording file.
type recordingResponse struct {
	Name         string   `json:"name"`
	Size         int64    `json:"size"`
	ModifiedAt   string   `json:"modified_at"`
	DurationSecs *float64 `json:"duration_secs,omitempty"`
}

// handleListRecordings lists the WAV files in the recordings directory,
// newest first. Query params: limit, offset.
func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	pg, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := os.ReadDir(s.opts.RecordingsDir)
	if err != nil {
		s.logger.Error("list recordings: failed to read directory", "dir", s.opts.RecordingsDir, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type fileEntry struct {
		name string
		info os.FileInfo
	}
	var files []fileEntry
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{name: e.Name(), info: info})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].info.ModTime().After(files[j].info.ModTime())
	})

	total := len(files)
	start, end := pg.bounds(total)

	items := make([]recordingResponse, 0, end-start)
	for _, f := range files[start:end] {
		resp := recordingResponse{
			Name:       f.name,
			Size:       f.info.Size(),
			ModifiedAt: f.info.ModTime().UTC().Format(time.RFC3339),
		}
		if d, err := media.WAVDuration(filepath.Join(s.opts.RecordingsDir, f.name)); err == nil {
			secs := d.Seconds()
			resp.DurationSecs = &secs
		}
		items = append(items, resp)
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleDownloadRecording serves one recording as an attachment.
func (s *Server) handleDownloadRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") ||
		!strings.EqualFold(filepath.Ext(name), ".wav") {
		writeError(w, http.StatusBadRequest, "invalid recording name")
		return
	}

	fullPath := filepath.Join(s.opts.RecordingsDir, name)
	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, name))
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, fullPath)
}
