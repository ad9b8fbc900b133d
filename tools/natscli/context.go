package main

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// cliContext is a named connection profile stored as a TOML file under the
// user config directory (natscli/contexts/<name>.toml). Flags override any
// field the context supplies.
type cliContext struct {
	URL      string   `toml:"url"`
	Servers  []string `toml:"servers"`
	Creds    string   `toml:"creds"`
	User     string   `toml:"user"`
	Password string   `toml:"password"`
	Token    string   `toml:"token"`
	Name     string   `toml:"name"`
}

func contextDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "natscli", "contexts"), nil
}

func loadContext(name string) (*cliContext, error) {
	dir, err := contextDir()
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filepath.Join(dir, name+".toml"))
	if err != nil {
		return nil, err
	}
	return parseContext(contents)
}

func parseContext(contents []byte) (*cliContext, error) {
	var parsed cliContext
	if err := toml.Unmarshal(contents, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func saveContext(name string, context *cliContext) error {
	dir, err := contextDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	contents, err := toml.Marshal(context)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+".toml"), contents, 0o600)
}
