package handlers

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"webcinema/internal/coordinator"
	"webcinema/internal/engine"
	"webcinema/internal/logging"
	"webcinema/internal/metrics"
	"webcinema/internal/probe"
	"webcinema/internal/profile"
	"webcinema/internal/rangeserver"
	"webcinema/internal/store"
	"webcinema/internal/streaming"
)

// RequestMedia is the main delivery endpoint. The source is probed, a
// delivery profile resolved against the client's capabilities, and the
// artifact served: straight from the source for passthrough, from the cache
// when ready, or from a build started (or joined) on the spot.
func (h *Handlers) RequestMedia(w http.ResponseWriter, r *http.Request) {
	fullPath, ok := h.resolvePath(mux.Vars(r)["path"])
	if !ok {
		writeJSONError(w, "invalid path", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	desc, err := h.prober.Probe(ctx, fullPath)
	if err != nil {
		h.writeProbeError(w, err)
		return
	}

	caps, err := parseCapabilities(r)
	if err != nil {
		writeJSONError(w, "unsupported media: "+err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	prof, err := h.resolver.Resolve(desc, caps)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	rangeHeader := r.Header.Get("Range")
	fp := profile.FingerprintFor(desc, prof)

	if fp.IsPassthrough() {
		res, err := h.ranges.ServeSource(ctx, desc.Path, rangeHeader)
		if err != nil {
			writeJSONError(w, "failed to open source", http.StatusNotFound)
			return
		}
		h.writeResult(w, r, res)
		return
	}

	if h.store.Contains(fp.String()) {
		metrics.CacheHitsTotal.Inc()
	} else {
		metrics.CacheMissesTotal.Inc()
		if h.memMon.IsPaused() {
			writeJSONError(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
		handle, err := h.coord.Acquire(ctx, fp.String(), h.buildSetup(desc, prof, fp))
		if err != nil && !errors.Is(err, store.ErrBuildInProgress) {
			h.writeBuildError(w, err)
			return
		}
		if handle != nil {
			defer handle.Release()
		}
	}

	res, err := h.ranges.Serve(ctx, fp.String(), rangeHeader, "video/mp4")
	if err != nil {
		h.writeServeError(w, err)
		return
	}
	h.writeResult(w, r, res)
}

// buildSetup returns the coordinator setup for one transcode: open the
// store writer synchronously, then run the engine into it.
func (h *Handlers) buildSetup(desc *probe.SourceDescriptor, prof profile.DeliveryProfile, fp profile.Fingerprint) coordinator.SetupFunc {
	return func(jobCtx context.Context) (coordinator.RunFunc, error) {
		w, err := h.store.OpenWriter(fp.String(), desc.Path, "video/mp4")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, progress func(int64)) error {
			sink := &progressSink{w: w, progress: progress}
			if _, err := h.engine.Run(ctx, desc, prof, sink); err != nil {
				w.Abort()
				return err
			}
			if err := w.Commit(); err != nil {
				w.Abort()
				return err
			}
			go h.sweepAfterBuild()
			return nil
		}, nil
	}
}

// progressSink forwards engine output to the store writer while reporting
// growth to the coordinator's subscribers.
type progressSink struct {
	w        *store.Writer
	progress func(int64)
}

func (s *progressSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if n > 0 && s.progress != nil {
		s.progress(s.w.BytesWritten())
	}
	return n, err
}

func (s *progressSink) BytesWritten() int64 { return s.w.BytesWritten() }

// writeResult translates a range result onto the wire and streams the body
// with timeout protection.
func (h *Handlers) writeResult(w http.ResponseWriter, r *http.Request, res *rangeserver.Result) {
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	if res.Length >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(res.Length, 10))
	}
	w.WriteHeader(res.Status)

	if res.Body == nil {
		return
	}
	defer res.Body.Close()

	if r.Method == http.MethodHead {
		return
	}

	if err := streaming.Copy(r.Context(), w, res.Body, h.streamCfg); err != nil {
		if errors.Is(err, streaming.ErrClientGone) {
			logging.Debug("Client disconnected during stream: %s", r.URL.Path)
			return
		}
		logging.Warn("Stream failed for %s: %v", r.URL.Path, err)
	}
}

// MediaInfo reports the probed descriptor, the profile that would be
// delivered to this client, and the cache state for the pair.
func (h *Handlers) MediaInfo(w http.ResponseWriter, r *http.Request) {
	fullPath, ok := h.resolvePath(mux.Vars(r)["path"])
	if !ok {
		writeJSONError(w, "invalid path", http.StatusBadRequest)
		return
	}

	desc, err := h.prober.Probe(r.Context(), fullPath)
	if err != nil {
		h.writeProbeError(w, err)
		return
	}

	caps, err := parseCapabilities(r)
	if err != nil {
		writeJSONError(w, "unsupported media: "+err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	prof, err := h.resolver.Resolve(desc, caps)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	fp := profile.FingerprintFor(desc, prof)
	state := "none"
	switch {
	case fp.IsPassthrough():
		state = "passthrough"
	case h.store.Contains(fp.String()):
		state = "ready"
	case h.store.Building(fp.String()):
		state = "building"
	}

	writeJSON(w, map[string]any{
		"source":      desc,
		"profile":     prof,
		"fingerprint": fp.String(),
		"cacheState":  state,
	})
}

// Thumbnail serves a cached preview image for the source.
func (h *Handlers) Thumbnail(w http.ResponseWriter, r *http.Request) {
	fullPath, ok := h.resolvePath(mux.Vars(r)["path"])
	if !ok {
		writeJSONError(w, "invalid path", http.StatusBadRequest)
		return
	}

	data, err := h.thumbs.Thumbnail(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeJSONError(w, "not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, "thumbnail generation failed", http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := w.Write(data); err != nil {
		logging.Debug("Thumbnail write failed: %v", err)
	}
}

func (h *Handlers) writeProbeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeJSONError(w, "not found", http.StatusNotFound)
	case errors.Is(err, probe.ErrUnreadableSource):
		writeJSONError(w, "unreadable source", http.StatusUnprocessableEntity)
	default:
		writeJSONError(w, "probe failed", http.StatusInternalServerError)
	}
}

func (h *Handlers) writeBuildError(w http.ResponseWriter, err error) {
	var supp *coordinator.SuppressedError
	switch {
	case errors.As(err, &supp):
		w.Header().Set("Retry-After", supp.Until.UTC().Format(http.TimeFormat))
		writeJSONError(w, "build suppressed after repeated failures", http.StatusServiceUnavailable)
	case errors.Is(err, store.ErrCacheFull):
		writeJSONError(w, "cache full", http.StatusServiceUnavailable)
	case errors.Is(err, engine.ErrTranscodeFailed):
		writeJSONError(w, "transcode failed", http.StatusBadGateway)
	default:
		writeJSONError(w, "build failed", http.StatusBadGateway)
	}
}

func (h *Handlers) writeServeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrEntryNotFound):
		writeJSONError(w, "artifact unavailable", http.StatusNotFound)
	case errors.Is(err, store.ErrBuildAborted):
		writeJSONError(w, "build aborted", http.StatusBadGateway)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing to send.
	default:
		writeJSONError(w, "serve failed", http.StatusInternalServerError)
	}
}
