package utils

import (
	"encoding/base64"
)

func DecodeB64(message string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(message)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func EncodeB64(message string) string {
	return base64.StdEncoding.Strict().EncodeToString([]byte(message))
}
