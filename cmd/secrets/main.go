package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/betbot/goquant/pkg/secretstore"
)

// 把 .env 中的 Deribit 凭证导入加密密钥库，或检查库中是否已有凭证
func main() {
	var (
		inPath    = flag.String("in", ".env", "input .env file path")
		dbPath    = flag.String("badger", getenv("SECRETSTORE_PATH", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("SECRETSTORE_KEY", ""), "badger encryption key (32 bytes base64/hex)")
		check     = flag.Bool("check", false, "only check whether credentials are present")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(errors.New("secret key is required: set SECRETSTORE_KEY or pass -secret-key"))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
		ReadOnly:      *check,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if *check {
		creds, found, err := ss.LoadCredentials()
		if err != nil {
			fatal(err)
		}
		if !found {
			fatal(errors.Errorf("no credentials in %s", *dbPath))
		}
		fmt.Fprintf(os.Stderr, "✅ 凭证存在：api_key=%s\n", mask(creds.APIKey))
		return
	}

	kv, err := godotenv.Read(*inPath)
	if err != nil {
		fatal(errors.Wrapf(err, "read %s", *inPath))
	}
	creds := secretstore.Credentials{
		APIKey:    kv["DERIBIT_API_KEY"],
		APISecret: kv["DERIBIT_API_SECRET"],
	}
	if err := ss.SaveCredentials(creds); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "已写入凭证到 badger：%s（api_key=%s）\n", *dbPath, mask(creds.APIKey))
}

func mask(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
