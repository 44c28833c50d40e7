package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ScaffoldOptions describes a new plugin.
type ScaffoldOptions struct {
	Name        string
	Author      string
	Description string
}

var indexTemplate = template.Must(template.New("index").Parse(`// {{.ID}}/index.js

var name = {{printf "%q" .Title}};
var description = {{printf "%q" .Description}};
var author = {{printf "%q" .Author}};

var payloads = proxylite.lines("payloads/example_payloads.txt");

function run(request, response) {
  proxylite.log("[" + name + "] Running on request to " + request.url);
  // Add your plugin logic here. request.copy() returns a mutable copy and
  // request.send(copy) issues it when active scans are enabled.
  for (var i = 0; i < payloads.length; i++) {
    proxylite.log("payload: " + payloads[i]);
  }
}
`))

const examplePayloads = `# Example payloads for your plugin
PAYLOAD_1
PAYLOAD_2
PAYLOAD_3
`

// Scaffold creates dir/NAME with an entry script, a manifest and an example
// payload list. It refuses to overwrite an existing unit.
func Scaffold(dir string, opts ScaffoldOptions) (string, error) {
	if !validName.MatchString(opts.Name) {
		return "", fmt.Errorf("invalid plugin name %q: use letters, digits, '-' and '_'", opts.Name)
	}
	if opts.Author == "" {
		opts.Author = "0xYourHandle"
	}
	if opts.Description == "" {
		opts.Description = "A proxylite plugin"
	}

	root := filepath.Join(dir, opts.Name)
	if _, err := os.Stat(root); err == nil {
		return "", fmt.Errorf("%s: %w", root, ErrExists)
	}
	if _, err := os.Stat(filepath.Join(dir, opts.Name+ScriptExt)); err == nil {
		return "", fmt.Errorf("%s%s: %w", opts.Name, ScriptExt, ErrExists)
	}
	if err := os.MkdirAll(filepath.Join(root, "payloads"), 0o755); err != nil {
		return "", fmt.Errorf("create plugin directory: %w", err)
	}

	title := titleCase(opts.Name)
	f, err := os.Create(filepath.Join(root, DefaultEntry))
	if err != nil {
		return "", err
	}
	err = indexTemplate.Execute(f, map[string]string{
		"ID":          opts.Name,
		"Title":       title,
		"Description": opts.Description,
		"Author":      opts.Author,
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write %s: %w", DefaultEntry, err)
	}

	m := &Manifest{Name: title, Description: opts.Description, Author: opts.Author, Version: "0.1.0"}
	if err := SaveManifest(root, m); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(root, "payloads", "example_payloads.txt"), []byte(examplePayloads), 0o644); err != nil {
		return "", err
	}
	return root, nil
}

func titleCase(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Install copies a plugin (a script file or a unit directory) into the
// registry's directory and rediscovers. It returns the installed unit, or
// the load error recorded for it.
func (r *Registry) Install(ctx context.Context, src string) (Unit, error) {
	dir := r.Dir()
	if dir == "" {
		return Unit{}, errors.New("install: no plugin directory has been discovered")
	}
	info, err := os.Stat(src)
	if err != nil {
		return Unit{}, fmt.Errorf("install: %w", err)
	}

	base := filepath.Base(filepath.Clean(src))
	id := base
	if info.IsDir() {
		if _, err := inspect(src, fs.FileInfoToDirEntry(info)); err != nil {
			if errors.Is(err, errSkip) {
				err = fmt.Errorf("%w: %s", ErrNoEntryPoint, DefaultEntry)
			}
			return Unit{}, fmt.Errorf("install %s: %w", src, err)
		}
	} else {
		if filepath.Ext(base) != ScriptExt {
			return Unit{}, fmt.Errorf("install %s: not a %s script", src, ScriptExt)
		}
		id = strings.TrimSuffix(base, ScriptExt)
	}
	if _, exists := r.Get(id); exists {
		return Unit{}, fmt.Errorf("install %s: %w", id, ErrExists)
	}
	dst := filepath.Join(dir, base)
	if _, err := os.Lstat(dst); err == nil {
		return Unit{}, fmt.Errorf("install %s: %w", dst, ErrExists)
	}

	if info.IsDir() {
		err = os.CopyFS(dst, os.DirFS(src))
	} else {
		err = copyFile(src, dst)
	}
	if err != nil {
		return Unit{}, fmt.Errorf("install %s: %w", src, err)
	}

	if err := r.Reload(ctx); err != nil {
		return Unit{}, err
	}
	if u, ok := r.Get(id); ok {
		return u, nil
	}
	for _, f := range r.Failures() {
		if f.Unit == id {
			return Unit{}, &f
		}
	}
	return Unit{}, fmt.Errorf("install %s: %w", id, ErrNotFound)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
