package api

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/querydesk/querydesk/internal/auth"
	"github.com/querydesk/querydesk/internal/storage"
)

func handleDownloadExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireRoles(w, r, auth.RoleQueryReader) {
		return
	}
	if deps.Exports == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "result export is not configured", false, nil)
		return
	}

	key, err := storage.ValidateKey(r.PathValue("key"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_EXPORT_KEY", err.Error(), false, nil)
		return
	}
	reader, info, err := deps.Exports.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "EXPORT_NOT_FOUND", "export was not found", false, map[string]any{"key": key})
			return
		}
		writeError(r.Context(), w, http.StatusBadGateway, "EXPORT_STORE_ERROR", "failed to read export", true, map[string]any{"details": err.Error()})
		return
	}
	defer func() { _ = reader.Close() }()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil && deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "export download interrupted", "key", key, "error", err)
	}
}
