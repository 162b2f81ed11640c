package config

import (
	"bytes"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/juju/errors"
)

// renderTemplate renders tag values and other templated
// configuration strings with the sprig function set.
func renderTemplate(content string, ctx interface{}) (string, error) {
	tpl, err := template.New("").Funcs(sprig.TxtFuncMap()).Parse(content)
	if err != nil {
		return "", errors.Trace(err)
	}
	var buf bytes.Buffer
	if err = tpl.Execute(&buf, ctx); err != nil {
		return "", errors.Annotatef(err, "error while executing template")
	}
	return buf.String(), nil
}
