package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/fentz26/xqserver/internal/broker"
)

const maxMemory = 32 << 20

// parseForm reads query, form and multipart parameters, enforcing the
// configured post limit.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) error {
	if limit := s.broker.PostLimit(); limit > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		err = r.ParseMultipartForm(maxMemory)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return broker.Errorf(broker.KindBadRequest, "request larger than %d bytes", tooLarge.Limit)
		}
		return broker.Errorf(broker.KindBadRequest, "cannot parse parameters: %v", err)
	}
	return nil
}

// param returns a parameter, falling back to a multipart file part of
// the same name.
func param(r *http.Request, name string) (string, bool, error) {
	if values, ok := r.Form[name]; ok && len(values) > 0 {
		return values[0], true, nil
	}
	if r.MultipartForm == nil {
		return "", false, nil
	}
	if values, ok := r.MultipartForm.Value[name]; ok && len(values) > 0 {
		return values[0], true, nil
	}
	files := r.MultipartForm.File[name]
	if len(files) == 0 {
		return "", false, nil
	}
	f, err := files[0].Open()
	if err != nil {
		return "", false, broker.WrapKind(broker.KindServer, errors.Wrapf(err, "open part %s", name))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", false, broker.WrapKind(broker.KindBadRequest, errors.Wrapf(err, "read part %s", name))
	}
	return string(data), true, nil
}

func requiredParam(r *http.Request, name string) (string, error) {
	v, ok, err := param(r, name)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", broker.Errorf(broker.KindBadRequest, "missing parameter '%s'", name)
	}
	return v, nil
}

func intParam(r *http.Request, name string, def int64) (int64, error) {
	v := strings.TrimSpace(r.FormValue(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, broker.Errorf(broker.KindBadRequest, "invalid integer value for parameter '%s': %s", name, v)
	}
	return n, nil
}
