package gocapnweb

import (
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/wireproto/capnweb/internal/logging"
)

// SetupFileEndpoint serves static files (such as a demo web UI) from
// fsRoot under urlPath. It is unrelated to the RPC core; it exists so a
// browser page can be served without standing up a separate static server.
func SetupFileEndpoint(e *echo.Echo, urlPath string, fsRoot string) {
	urlPath = strings.TrimSuffix(urlPath, "/") + "/"

	absRoot, err := filepath.Abs(fsRoot)
	if err != nil {
		logging.Op().Error("file endpoint root is not resolvable", "root", fsRoot, "error", err)
		absRoot = fsRoot
	}

	e.GET(urlPath+"*", func(c echo.Context) error {
		absPath, ok := resolveServablePath(absRoot, strings.TrimPrefix(c.Request().URL.Path, urlPath))
		if !ok {
			logging.Op().Warn("file request resolved outside served root", "root", absRoot)
			return echo.NewHTTPError(http.StatusForbidden, "access denied")
		}

		info, err := os.Stat(absPath)
		switch {
		case os.IsNotExist(err):
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		case err != nil:
			logging.Op().Error("stat failed for served file", "path", absPath, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
		case !info.Mode().IsRegular():
			return echo.NewHTTPError(http.StatusNotFound, "not a file")
		}

		file, err := os.Open(absPath)
		if err != nil {
			logging.Op().Error("open failed for served file", "path", absPath, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to read file")
		}
		defer file.Close()

		c.Response().Header().Set(echo.HeaderContentType, contentTypeForExt(filepath.Ext(absPath)))
		http.ServeContent(c.Response(), c.Request(), filepath.Base(absPath), info.ModTime(), file)
		return nil
	})
}

// resolveServablePath joins requestPath onto absRoot and confirms the
// result is still contained within absRoot, rejecting traversal via "..".
// An empty or directory-shaped requestPath is mapped to index.html.
func resolveServablePath(absRoot, requestPath string) (string, bool) {
	requestPath = strings.TrimPrefix(requestPath, "/")
	if requestPath == "" || strings.HasSuffix(requestPath, "/") {
		requestPath = path.Join(requestPath, "index.html")
	}

	absPath, err := filepath.Abs(filepath.Join(absRoot, requestPath))
	if err != nil {
		return "", false
	}
	if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", false
	}
	return absPath, true
}

// contentTypeForExt returns the MIME type for a file extension, falling
// back to a fixed table for the handful of types the demo UIs ship that
// the host's mime.types database sometimes lacks (notably .mjs).
func contentTypeForExt(ext string) string {
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	switch strings.ToLower(ext) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js", ".mjs":
		return "text/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".ico":
		return "image/x-icon"
	case ".woff":
		return "font/woff"
	case ".woff2":
		return "font/woff2"
	case ".ttf":
		return "font/ttf"
	case ".eot":
		return "application/vnd.ms-fontobject"
	default:
		return "application/octet-stream"
	}
}
