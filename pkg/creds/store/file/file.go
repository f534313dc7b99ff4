package file

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gridauth/proxyvault/pkg/creds"
	"github.com/gridauth/proxyvault/pkg/creds/store"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

const (
	credsSuffix = ".creds"
	dataSuffix  = ".data"

	// Artifacts are readable by the server only.
	filePerm = 0600

	endOptions = "END_OPTIONS"
)

type File struct {
	dirPath string
	logger  log.Logger
}

// NewFile opens a filesystem-backed credential repository rooted at
// dirPath. The root must exist, be a directory owned by the server's uid
// and carry no group or other permission bits; anything else is an
// integrity failure and the repository refuses to operate.
func NewFile(dirPath string, logger log.Logger) (store.Repository, error) {
	if err := checkStorageDir(dirPath); err != nil {
		level.Error(logger).Log("err", err, "msg", "Credential storage directory rejected")
		return nil, err
	}
	return &File{dirPath: dirPath, logger: logger}, nil
}

func checkStorageDir(dirPath string) error {
	fi, err := os.Stat(dirPath)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrIntegrity, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", store.ErrIntegrity, dirPath)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("%w: cannot determine ownership of %s", store.ErrIntegrity, dirPath)
	}
	if int(st.Uid) != os.Getuid() {
		return fmt.Errorf("%w: bad ownership on %s", store.ErrIntegrity, dirPath)
	}
	if fi.Mode().Perm()&0077 != 0 {
		return fmt.Errorf("%w: bad permissions on %s, group/other access not allowed", store.ErrIntegrity, dirPath)
	}
	return nil
}

// sterilize rewrites a name so it is safe to use as a path component.
// Path separators and a leading dot are replaced.
func sterilize(s string) string {
	out := []byte(s)
	if len(out) > 0 && out[0] == '.' {
		out[0] = '-'
	}
	for i := range out {
		if out[i] == '/' || out[i] == filepath.Separator {
			out[i] = '-'
		}
	}
	return string(out)
}

// stem derives the filesystem-safe file stem for a key. A username
// containing a path separator is replaced wholesale by its content hash
// so adversarial names cannot traverse or collide.
func stem(username, credname string) string {
	var s string
	if strings.ContainsRune(username, '/') {
		sum := md5.Sum([]byte(username))
		s = hex.EncodeToString(sum[:])
	} else {
		s = sterilize(username)
	}
	if credname != "" {
		s = s + "-" + sterilize(credname)
	}
	return s
}

func (f *File) paths(username, credname string) (credsPath, dataPath string) {
	s := stem(username, credname)
	return filepath.Join(f.dirPath, s+credsSuffix), filepath.Join(f.dirPath, s+dataSuffix)
}

// writeFileAtomic writes data to a temporary file in the storage root and
// renames it into place, so a concurrent reader never observes a
// half-written artifact.
func (f *File) writeFileAtomic(path string, data []byte) error {
	tmp, err := ioutil.TempFile(f.dirPath, ".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func encodeDataFile(c *creds.Credential) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "OWNER=%s\n", c.OwnerDN)
	fmt.Fprintf(&b, "PASSPHRASE=%s\n", c.PassphraseHash)
	fmt.Fprintf(&b, "LIFETIME=%d\n", c.Lifetime)
	if c.Name != "" {
		fmt.Fprintf(&b, "NAME=%s\n", c.Name)
	}
	if c.Description != "" {
		fmt.Fprintf(&b, "DESCRIPTION=%s\n", c.Description)
	}
	if c.Retrievers != "" {
		fmt.Fprintf(&b, "RETRIEVERS=%s\n", c.Retrievers)
	}
	if c.Renewers != "" {
		fmt.Fprintf(&b, "RENEWERS=%s\n", c.Renewers)
	}
	if c.TrustedRetrievers != "" {
		fmt.Fprintf(&b, "TRUSTED_RETRIEVERS=%s\n", c.TrustedRetrievers)
	}
	if c.KeyRetrievers != "" {
		fmt.Fprintf(&b, "KEYRETRIEVERS=%s\n", c.KeyRetrievers)
	}
	b.WriteString(endOptions + "\n")
	return []byte(b.String())
}

// parseDataFile reads the strict metadata record format. Unknown keys
// before END_OPTIONS are a parse error; a missing END_OPTIONS line means
// the file is truncated and equally rejected.
func parseDataFile(path string) (creds.Credential, error) {
	var c creds.Credential

	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, store.ErrNotFound
		}
		return c, err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if line == endOptions {
			return c, nil
		}
		eq := strings.IndexByte(line, '=')
		if eq < 1 {
			return c, fmt.Errorf("malformed line %d in %s", lineNumber, path)
		}
		key, value := line[:eq], line[eq+1:]
		switch key {
		case "OWNER":
			c.OwnerDN = value
		case "PASSPHRASE":
			c.PassphraseHash = value
		case "LIFETIME":
			c.Lifetime, err = strconv.Atoi(value)
			if err != nil {
				return c, fmt.Errorf("bad LIFETIME on line %d in %s", lineNumber, path)
			}
		case "NAME":
			c.Name = value
		case "DESCRIPTION":
			c.Description = value
		case "RETRIEVERS":
			c.Retrievers = value
		case "RENEWERS":
			c.Renewers = value
		case "TRUSTED_RETRIEVERS":
			c.TrustedRetrievers = value
		case "KEYRETRIEVERS":
			c.KeyRetrievers = value
		default:
			return c, fmt.Errorf("unrecognized key %q on line %d in %s", key, lineNumber, path)
		}
	}
	if err := scanner.Err(); err != nil {
		return c, err
	}
	return c, fmt.Errorf("unexpected EOF reading %s", path)
}

// materialTimes extracts the validity window from the first certificate in
// the stored material. Unparseable material leaves the window zero; the
// expiry check upstream then cannot pass, which is the safe direction.
func materialTimes(c *creds.Credential, material []byte) {
	rest := material
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return
		}
		c.StartTime = cert.NotBefore
		c.EndTime = cert.NotAfter
		return
	}
}

func (f *File) Store(ctx context.Context, c creds.Credential, material []byte, overwrite bool) error {
	credsPath, dataPath := f.paths(c.Username, c.Name)

	if !overwrite {
		if _, err := os.Stat(dataPath); err == nil {
			level.Error(f.logger).Log("msg", "Credential already present for username "+c.Username, "credname", c.Name)
			return store.ErrAlreadyExists
		}
	}

	if err := f.writeFileAtomic(dataPath, encodeDataFile(&c)); err != nil {
		level.Error(f.logger).Log("err", err, "msg", "Could not write metadata for username "+c.Username)
		return err
	}
	if err := f.writeFileAtomic(credsPath, material); err != nil {
		// Roll back the metadata so no key is left with one artifact.
		os.Remove(dataPath)
		level.Error(f.logger).Log("err", err, "msg", "Could not write credential material for username "+c.Username)
		return err
	}
	level.Info(f.logger).Log("msg", "Credential stored for username "+c.Username, "credname", c.Name, "owner", c.OwnerDN)
	return nil
}

func (f *File) Retrieve(ctx context.Context, username, credname string) (creds.Credential, error) {
	credsPath, dataPath := f.paths(username, credname)

	c, err := parseDataFile(dataPath)
	if err != nil {
		return creds.Credential{}, err
	}
	material, err := ioutil.ReadFile(credsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return creds.Credential{}, store.ErrNotFound
		}
		return creds.Credential{}, err
	}

	c.Username = username
	c.Name = credname
	c.Location = credsPath
	materialTimes(&c, material)
	return c, nil
}

func (f *File) Material(ctx context.Context, username, credname string) ([]byte, error) {
	credsPath, _ := f.paths(username, credname)
	material, err := ioutil.ReadFile(credsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return material, nil
}

func (f *File) RetrieveAllForOwner(ctx context.Context, username, ownerDN string) ([]creds.Credential, error) {
	var out []creds.Credential

	// Default credential first, when present and owned.
	if c, err := f.Retrieve(ctx, username, ""); err == nil && c.OwnerDN == ownerDN {
		out = append(out, c)
	}

	prefix := stem(username, "") + "-"
	entries, err := ioutil.ReadDir(f.dirPath)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, dataSuffix) {
			continue
		}
		credname := strings.TrimSuffix(strings.TrimPrefix(name, prefix), dataSuffix)
		c, err := f.Retrieve(ctx, username, credname)
		if err != nil {
			// Foreign or partially written file; skip it.
			level.Warn(f.logger).Log("err", err, "msg", "Skipping unreadable credential file "+name)
			continue
		}
		if c.OwnerDN != ownerDN {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out, nil
}

func (f *File) Exists(ctx context.Context, username, credname string) (bool, error) {
	credsPath, dataPath := f.paths(username, credname)
	for _, p := range []string{credsPath, dataPath} {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

func (f *File) IsOwner(ctx context.Context, username, credname, clientDN string) (bool, error) {
	_, dataPath := f.paths(username, credname)
	c, err := parseDataFile(dataPath)
	if err != nil {
		return false, err
	}
	return c.OwnerDN == clientDN, nil
}

func (f *File) Delete(ctx context.Context, username, credname string) error {
	credsPath, dataPath := f.paths(username, credname)

	// Probe the metadata first so a missing credential is reported as
	// such rather than as a bare unlink failure.
	if _, err := parseDataFile(dataPath); err != nil {
		return err
	}
	if err := os.Remove(credsPath); err != nil && !os.IsNotExist(err) {
		level.Error(f.logger).Log("err", err, "msg", "Could not delete credential material "+credsPath)
		return err
	}
	if err := os.Remove(dataPath); err != nil {
		level.Error(f.logger).Log("err", err, "msg", "Could not delete credential metadata "+dataPath)
		return err
	}
	level.Info(f.logger).Log("msg", "Credential deleted for username "+username, "credname", credname)
	return nil
}

func (f *File) ChangePassphrase(ctx context.Context, username, credname, newHash string) error {
	_, dataPath := f.paths(username, credname)
	c, err := parseDataFile(dataPath)
	if err != nil {
		return err
	}
	c.PassphraseHash = newHash
	if err := f.writeFileAtomic(dataPath, encodeDataFile(&c)); err != nil {
		level.Error(f.logger).Log("err", err, "msg", "Could not rewrite metadata for username "+username)
		return err
	}
	level.Info(f.logger).Log("msg", "Passphrase changed for username "+username, "credname", credname)
	return nil
}
