package v1

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/beevik/etree"

	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

var namespaces = map[string]string{
	"D":  "DAV:",
	"C":  "urn:ietf:params:xml:ns:caldav",
	"CR": "urn:ietf:params:xml:ns:carddav",
}

// davError builds a DAV:error body naming condition, e.g. "C:no-uid-conflict".
func davError(condition string) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := doc.CreateElement("D:error")
	root.CreateAttr("xmlns:D", namespaces["D"])
	if prefix, _, ok := strings.Cut(condition, ":"); ok && prefix != "D" {
		if ns, known := namespaces[prefix]; known {
			root.CreateAttr("xmlns:"+prefix, ns)
		}
	}
	root.CreateElement(condition)
	return doc.WriteToBytes()
}

func (h *handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)

	log := h.log.With(slog.String("method", r.Method), slog.String("path", r.URL.Path), logger.Err(err))
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Debug("request rejected", slog.String("kind", kind.String()))
	}

	if condition := errs.ConditionOf(err); condition != "" {
		body, xerr := davError(condition)
		if xerr == nil {
			w.Header().Set("Content-Type", "text/xml; charset=utf-8")
			w.WriteHeader(status)
			_, _ = w.Write(body)
			return
		}
		h.log.Error("davError", logger.Err(xerr))
	}
	http.Error(w, http.StatusText(status), status)
}
