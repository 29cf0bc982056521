package credstore

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/breeze-rmm/rpclient/internal/logging"
	"github.com/breeze-rmm/rpclient/internal/rperrors"
	"github.com/breeze-rmm/rpclient/internal/secmem"
	"github.com/breeze-rmm/rpclient/internal/wire"
)

var log = logging.L("credstore")

// record is the on-disk NDJSON shape for one ConsoleRegistration. The
// morning key is stored base64-encoded; secmem.SecureString only wipes
// process memory, it does not encrypt at rest, so the file itself must
// live under 0600 permissions.
type record struct {
	ConsoleIP    string `json:"consoleIp"`
	ConsoleName  string `json:"consoleName"`
	Target       int    `json:"target"`
	RPKeyType    int    `json:"rpKeyType"`
	RegkeyHex8   string `json:"regkeyHex8"`
	MorningB64   string `json:"morningB64"`
	AccountIDB64 string `json:"accountIdB64"`
	WakeCred     string `json:"wakeCred"`
	IsValid      bool   `json:"isValid"`
	IsRegistered bool   `json:"isRegistered"`
}

func toRecord(r ConsoleRegistration) record {
	morningB64 := ""
	if r.Morning != nil {
		morningB64 = base64.StdEncoding.EncodeToString(r.Morning.Bytes())
	}
	return record{
		ConsoleIP:    r.ConsoleIP,
		ConsoleName:  r.ConsoleName,
		Target:       int(r.Target),
		RPKeyType:    r.RPKeyType,
		RegkeyHex8:   r.RegkeyHex8,
		MorningB64:   morningB64,
		AccountIDB64: r.AccountIDB64,
		WakeCred:     r.WakeCred,
		IsValid:      r.IsValid,
		IsRegistered: r.IsRegistered,
	}
}

func fromRecord(rec record) (ConsoleRegistration, error) {
	var morning *secmem.SecureString
	if rec.MorningB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(rec.MorningB64)
		if err != nil {
			return ConsoleRegistration{}, rperrors.Wrap(rperrors.Protocol, "decode stored morning key", err)
		}
		morning = secmem.NewSecureBytes(raw)
	}
	return ConsoleRegistration{
		ConsoleIP:    rec.ConsoleIP,
		ConsoleName:  rec.ConsoleName,
		Target:       wire.Target(rec.Target),
		RPKeyType:    rec.RPKeyType,
		RegkeyHex8:   rec.RegkeyHex8,
		Morning:      morning,
		AccountIDB64: rec.AccountIDB64,
		WakeCred:     rec.WakeCred,
		IsValid:      rec.IsValid,
		IsRegistered: rec.IsRegistered,
	}, nil
}

// FileStore persists registrations as one JSON object per line in a
// single file, rewritten atomically (write to a temp file, then rename)
// on every mutation.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore opens (creating if absent) the NDJSON store at path.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, rperrors.Wrap(rperrors.Network, "create credential store directory", err)
	}
	fs := &FileStore{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := fs.writeAll(nil); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// IsInitialised reports whether the backing file exists and is readable.
func (fs *FileStore) IsInitialised() bool {
	_, err := os.Stat(fs.path)
	return err == nil
}

// LoadAll reads every registration currently persisted.
func (fs *FileStore) LoadAll() ([]ConsoleRegistration, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.loadAllLocked()
}

func (fs *FileStore) loadAllLocked() ([]ConsoleRegistration, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rperrors.Wrap(rperrors.Network, "read credential store", err)
	}

	var out []ConsoleRegistration
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Warn("skipping corrupt credential store record", "error", err)
			continue
		}
		reg, err := fromRecord(rec)
		if err != nil {
			log.Warn("skipping unreadable credential store record", "error", err, "ip", rec.ConsoleIP)
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}

// Save upserts one registration, keyed by ConsoleIP.
func (fs *FileStore) Save(reg ConsoleRegistration) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	all, err := fs.loadAllLocked()
	if err != nil {
		return err
	}

	replaced := false
	for i := range all {
		if all[i].ConsoleIP == reg.ConsoleIP {
			all[i] = reg
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, reg)
	}

	return fs.writeAll(all)
}

// FindByIP looks up a single registration.
func (fs *FileStore) FindByIP(ip string) (*ConsoleRegistration, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	all, err := fs.loadAllLocked()
	if err != nil {
		return nil, false, err
	}
	for i := range all {
		if all[i].ConsoleIP == ip {
			found := all[i]
			return &found, true, nil
		}
	}
	return nil, false, nil
}

// Delete removes the registration for ip, if any.
func (fs *FileStore) Delete(ip string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	all, err := fs.loadAllLocked()
	if err != nil {
		return err
	}

	out := all[:0]
	for _, reg := range all {
		if reg.ConsoleIP != ip {
			out = append(out, reg)
		}
	}
	return fs.writeAll(out)
}

// writeAll rewrites the whole NDJSON file atomically: write to a temp
// file in the same directory, then rename over the original.
func (fs *FileStore) writeAll(regs []ConsoleRegistration) error {
	var buf bytes.Buffer
	for _, reg := range regs {
		data, err := json.Marshal(toRecord(reg))
		if err != nil {
			return rperrors.Wrap(rperrors.Memory, "marshal credential record", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	tmpPath := fmt.Sprintf("%s.tmp", fs.path)
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return rperrors.Wrap(rperrors.Network, "write credential store temp file", err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		os.Remove(tmpPath)
		return rperrors.Wrap(rperrors.Network, "replace credential store", err)
	}
	return nil
}
