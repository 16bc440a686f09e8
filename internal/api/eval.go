package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/xqserver/internal/auth"
	"github.com/fentz26/xqserver/internal/broker"
	"github.com/fentz26/xqserver/internal/serial"
)

// Result formats of the eval command.
const (
	FormatXML   = "xml"
	FormatItems = "items"
	FormatHTML  = "html"
	FormatXHTML = "xhtml"
)

func evalMIME(format string) string {
	switch format {
	case FormatHTML:
		return "text/html"
	case FormatXHTML:
		return "application/xhtml+xml"
	}
	return "application/xml"
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	if err := s.eval(w, r); err != nil {
		s.writeError(w, r, err)
	}
}

// eval returns an error only while nothing has been written.
func (s *Server) eval(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	if err := s.parseForm(w, r); err != nil {
		return err
	}
	query, err := requiredParam(r, "query")
	if err != nil {
		return err
	}
	format := strings.ToLower(r.FormValue("format"))
	switch format {
	case "":
		format = FormatXML
	case FormatXML, FormatItems, FormatHTML, FormatXHTML:
	default:
		return broker.Errorf(broker.KindBadRequest, "invalid format '%s'", format)
	}
	maxTime, err := intParam(r, "maxtime", -1)
	if err != nil {
		return err
	}
	count, err := intParam(r, "count", -1)
	if err != nil {
		return err
	}
	first, err := intParam(r, "first", 0)
	if err != nil {
		return err
	}
	if first < 0 {
		return broker.Errorf(broker.KindBadRequest, "invalid value for parameter 'first': %d", first)
	}

	opts := serial.Options{Encoding: r.FormValue("encoding")}
	if format == FormatHTML || format == FormatXHTML {
		opts.Method = format
	}
	charset, err := opts.Charset()
	if err != nil {
		return broker.WrapKind(broker.KindBadRequest, err)
	}

	lib, err := s.sessions.Acquire(ctx, r.FormValue("library"), auth.User(ctx))
	if err != nil {
		return err
	}
	defer s.sessions.Release(ctx, lib)

	expr, err := lib.Compile(ctx, query)
	if err != nil {
		return broker.Classify(err)
	}
	if maxTime > 0 {
		expr.SetTimeout(time.Duration(maxTime) * time.Millisecond)
	} else if d := s.broker.EvalTimeout(); d > 0 {
		expr.SetTimeout(d)
	}
	items, err := expr.Evaluate(ctx)
	if err != nil {
		return broker.Classify(err)
	}
	if err := items.MoveTo(first); err != nil {
		return broker.Classify(err)
	}

	wrapped := format == FormatItems
	var total int64
	if wrapped {
		if total, err = items.Count(); err != nil {
			return broker.Classify(err)
		}
	}

	out, err := serial.New(w, opts)
	if err != nil {
		return broker.WrapKind(broker.KindBadRequest, err)
	}
	w.Header().Set("Content-Type", evalMIME(format)+"; charset="+charset)

	if wrapped {
		out.PutDocumentStart()
		out.PutElementStart("items")
		out.PutAttribute("total-count", strconv.FormatInt(total, 10))
	}
	var n int64
	for ; (count < 0 || n < count) && items.Next(); n++ {
		it := items.Current()
		if wrapped {
			out.PutElementStart("item")
			out.PutAttribute("type", string(it.Type()))
		}
		if it.IsNode() {
			out.PutNode(it.Node())
		} else {
			if n > 0 && !wrapped {
				out.PutText(" ")
			}
			out.PutAtomText(it.String())
		}
		if wrapped {
			out.PutElementEnd()
		}
	}
	if wrapped {
		out.PutElementEnd()
	}
	if err := out.Flush(); err != nil {
		s.logger.Warn("eval.write_failed", "error", err, "request_id", RequestID(ctx))
	}
	return nil
}
