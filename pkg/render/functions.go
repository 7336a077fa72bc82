package render

import (
	"fmt"
	"net"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/sethvargo/go-password/password"
)

// funcs defines the functions available in config-map and environment
// templates beyond what sprig already supplies.
var funcs = template.FuncMap{
	"ipSliceToCommaSeparatedString": ipSliceToCommaSeparatedString,
	"randomSecret":                 randomSecret,
}

// randomSecret generates a length-character secret for templates that need
// to materialize a credential the pod spec never carries in plaintext
// (sprig's randAlphaNum is seeded from math/rand, not suitable for this).
func randomSecret(length int) (string, error) {
	numDigits := length / 4
	numSymbols := 0
	return password.Generate(length, numDigits, numSymbols, false, false)
}

func ipSliceToCommaSeparatedString(ips []net.IP) string {
	var s string
	for _, ip := range ips {
		s = s + fmt.Sprintf("%s,", ip.String())
	}

	return strings.TrimSuffix(s, ",")
}

// txtFuncMap returns the aggregated template function map (sprig + our
// additions) used by every render in this package.
func txtFuncMap() template.FuncMap {
	funcMap := sprig.TxtFuncMap()

	for name, f := range funcs {
		funcMap[name] = f
	}

	return funcMap
}
