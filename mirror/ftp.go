package mirror

import (
	droidback "github.com/droidback/droidback/lib"

	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/secsy/goftp"
	"github.com/sirupsen/logrus"
)

var ftpLog = logrus.WithFields(logrus.Fields{
	"mirror": "ftp",
})

type ftpMirror struct {
	options *droidback.Options
	prefix  string
	client  *goftp.Client
}

func newFTPMirror(options *droidback.Options) (Mirror, error) {
	u, err := url.Parse(options.String["URL"])
	if err != nil {
		ftpLog.Warnf("cannot parse URL: %v", err)
		return nil, fmt.Errorf("invalid FTP URL: %v", err)
	}

	address := u.Host
	username := u.User.Username()
	password, _ := u.User.Password()
	prefix := strings.Trim(options.String["Prefix"], "/") + "/"
	if prefix == "/" {
		prefix = ""
	}

	config := goftp.Config{
		User:     username,
		Password: password,
	}

	client, err := goftp.DialConfig(config, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to FTP server: %v", err)
	}

	return &ftpMirror{options: options, client: client, prefix: prefix}, nil
}

func (m *ftpMirror) makePrefix() error {
	var err error

	if m.prefix == "" {
		return nil
	}

	dirs := strings.Split(strings.Trim(m.prefix, "/"), "/")
	currentPath := ""

	for _, dir := range dirs {
		currentPath = path.Join(currentPath, dir)
		_, err = m.client.Mkdir(currentPath)
	}

	return err
}

func (m *ftpMirror) Store(name string, data io.Reader, size int64) error {
	tmpFilePath := path.Join(m.prefix, "_tmp"+name)
	finalFilePath := path.Join(m.prefix, name)
	ftpLog.Printf("mirroring %s to temporary file %s", name, tmpFilePath)

	_ = m.makePrefix()
	if err := m.client.Store(tmpFilePath, data); err != nil {
		return fmt.Errorf("failed to write temporary file to FTP server: %v", err)
	}

	if err := m.client.Rename(tmpFilePath, finalFilePath); err != nil {
		_ = m.client.Delete(tmpFilePath)
		return fmt.Errorf("failed to rename temporary file on FTP server: %v", err)
	}

	return nil
}
