package mgmt

import (
	"html/template"
	"log"
	"net/http"
	"sync"
)

// Placeholder renders the page users see while their domain is still being
// provisioned, the gateway sends such requests here instead of failing them.
// Supports go-style template with {{.Host}}
type Placeholder struct {
	Template string

	tmpl struct {
		*template.Template
		sync.Once
	}
}

// ServeHTTP renders the placeholder for any path and method
func (p *Placeholder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.tmpl.Do(func() {
		if p.Template == "" {
			p.Template = placeholderDefaultTemplate
		}
		tp, err := template.New("placeholder").Parse(p.Template)
		if err != nil {
			log.Printf("[WARN] failed to parse placeholder template, %v", err)
			return
		}
		p.tmpl.Template = tp
	})

	if p.tmpl.Template == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("this site is being set up, check back in a minute\n"))
		return
	}

	data := struct {
		Host string
	}{
		Host: r.Host,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_ = p.tmpl.Execute(w, &data)
}

var placeholderDefaultTemplate = `
<!doctype html>
<title>almost there</title>
<style>
  body { text-align: center; padding: 150px; }
  h1 { font-size: 50px; }
  body { font: 20px Helvetica, sans-serif; color: #333; }
  article { display: block; text-align: left; width: 650px; margin: 0 auto; }
  a { color: #dc8100; text-decoration: none; }
  a:hover { color: #333; text-decoration: none; }
</style>

<article>
    <h1>Almost there!</h1>
    <div>
        <p>{{.Host}} is being set up and its certificate is on the way. This page will be replaced by the real site shortly.</p>
        <p>&mdash; selfcloud</p>
    </div>
</article>
`
