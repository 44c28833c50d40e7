package plugin

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// writeFile creates path (and parents) under dir.
func writeFile(t *testing.T, dir, path, content string) {
	t.Helper()
	full := filepath.Join(dir, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

const corsScript = `
var name = "CORS Misconfiguration Scanner";
var description = "Checks for permissive CORS headers in responses.";
var author = "0xYourHandle";

function run(request, response) {
  var acao = response.headers.get("access-control-allow-origin");
  if (acao === "*" || acao === request.headers.get("Origin")) {
    proxylite.log("[CORS Scanner] Potentially permissive CORS detected.");
    response.annotate("X-ProxyLite-CORS", acao);
  }
}
`
