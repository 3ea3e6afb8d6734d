package env

import (
	"os"

	"github.com/jaywantadh/tusbyte/pkg/logging"
	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file from the working directory if one exists.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logging.Log.Debug("No .env file found, using system envs")
	}
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}
