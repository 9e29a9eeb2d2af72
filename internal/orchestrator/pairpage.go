package orchestrator

import (
	"html/template"
	"net/http"

	apperrors "github.com/pocketagent/relay/internal/errors"
)

// The browser pairing flow: the daemon embeds its code in a URL, the
// operator opens it and confirms with one click. Confirmation runs the
// same Verify path as the JSON endpoint.

var pairPageTmpl = template.Must(template.New("pair").Parse(`<!DOCTYPE html>
<html>
<head><title>Pair device</title>
<style>
body { font-family: sans-serif; max-width: 28rem; margin: 4rem auto; }
input[name=code] { font-size: 2rem; letter-spacing: 0.3rem; width: 12rem; text-align: center; }
button { font-size: 1.2rem; padding: 0.5rem 2rem; margin-top: 1rem; }
.err { color: #b00; }
.ok { color: #080; }
</style>
</head>
<body>
<h1>Pair device</h1>
{{if .Message}}<p class="{{if .Failed}}err{{else}}ok{{end}}">{{.Message}}</p>{{end}}
{{if not .Done}}
<p>Confirm the pairing code shown on the machine you are pairing.</p>
<form method="POST" action="/pair/confirm">
  <input name="code" value="{{.Code}}" maxlength="6" autocomplete="off" required>
  <br>
  <button type="submit">Pair</button>
</form>
{{end}}
</body>
</html>
`))

type pairPageData struct {
	Code    string
	Message string
	Failed  bool
	Done    bool
}

func (s *Server) handlePairPage(w http.ResponseWriter, r *http.Request) {
	renderPairPage(w, http.StatusOK, pairPageData{Code: r.URL.Query().Get("code")})
}

func (s *Server) handlePairConfirm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostFormValue("code") == "" {
		renderPairPage(w, http.StatusBadRequest, pairPageData{
			Message: "Missing pairing code.", Failed: true,
		})
		return
	}
	code := r.PostFormValue("code")

	// Browser confirmations carry no bearer credential; the device is
	// scoped to the default user, same as unauthenticated /pair/verify.
	device, err := s.pairing.Verify(code, defaultUserID)
	if err != nil {
		status := http.StatusBadRequest
		if apperrors.IsCode(err, apperrors.CodePairRateLimited) {
			status = http.StatusTooManyRequests
		}
		renderPairPage(w, status, pairPageData{
			Code:    code,
			Message: "Pairing failed: " + apperrors.GetMessage(err),
			Failed:  true,
		})
		return
	}

	renderPairPage(w, http.StatusOK, pairPageData{
		Message: "Paired " + device.Name + ". You can close this page.",
		Done:    true,
	})
}

func renderPairPage(w http.ResponseWriter, status int, data pairPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	pairPageTmpl.Execute(w, data)
}
