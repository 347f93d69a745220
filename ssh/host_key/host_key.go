package host_key

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"io"
	"io/ioutil"
	"os"

	"golang.org/x/crypto/ssh"

	"sshmitm/common"
)

func generateHostKey() (ed25519.PrivateKey, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	return privateKey, err
}

func writeHostKey(writer io.Writer, privateKey ed25519.PrivateKey) error {
	pkcs8PrivateKey, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return err
	}
	block := pem.Block{
		Type:    "PRIVATE KEY",
		Headers: nil,
		Bytes:   pkcs8PrivateKey,
	}
	return pem.Encode(writer, &block)
}

func readHostKey(reader io.Reader) (ssh.Signer, error) {
	privateBytes, err := ioutil.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(privateBytes)
}

func createHostKey(hostKey string) (ssh.Signer, error) {
	f, err := os.OpenFile(hostKey, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, common.HostKeyFilePerm)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	privateKey, err := generateHostKey()
	if err != nil {
		return nil, err
	}

	err = writeHostKey(f, privateKey)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(privateKey)
}

func LoadOrGenerateHostKey(hostKey string) (ssh.Signer, error) {
	info, err := os.Stat(hostKey)
	if os.IsNotExist(err) {
		return createHostKey(hostKey)
	}

	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, common.ErrHostKeyIsDirectory
	}

	f, err := os.Open(hostKey)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readHostKey(f)
}
