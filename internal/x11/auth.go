package x11

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Xauthority address families, from Xauth.h.
const (
	familyLocal = 256
	familyWild  = 65535
)

const AuthMagicCookie = "MIT-MAGIC-COOKIE-1"

// AuthorityPath returns the Xauthority file to use: path if set, then
// $XAUTHORITY, then ~/.Xauthority.
func AuthorityPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if p := os.Getenv("XAUTHORITY"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("Xauthority not found: %w", err)
	}
	return filepath.Join(home, ".Xauthority"), nil
}

// ReadAuthority returns the first entry of the Xauthority file at path that
// matches hostname and display number. An empty or "localhost" hostname
// means the local machine.
func ReadAuthority(path, hostname string, display int) (name string, data []byte, err error) {
	if hostname == "" || hostname == "localhost" {
		if hostname, err = os.Hostname(); err != nil {
			return "", nil, err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	return findAuthority(bufio.NewReader(f), hostname, fmt.Sprint(display))
}

func findAuthority(r io.Reader, hostname, display string) (string, []byte, error) {
	for {
		var family uint16
		if err := binary.Read(r, binary.BigEndian, &family); err != nil {
			if errors.Is(err, io.EOF) {
				return "", nil, fmt.Errorf("no Xauthority entry for %s:%s", hostname, display)
			}
			return "", nil, err
		}
		var fields [4][]byte
		for i := range fields {
			b, err := readCounted(r)
			if err != nil {
				return "", nil, fmt.Errorf("truncated Xauthority entry: %w", err)
			}
			fields[i] = b
		}
		addr, disp, name, data := string(fields[0]), string(fields[1]), string(fields[2]), fields[3]

		addrMatch := family == familyWild || (family == familyLocal && addr == hostname)
		dispMatch := disp == "" || disp == display
		if addrMatch && dispMatch {
			return name, data, nil
		}
	}
}

func readCounted(r io.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
