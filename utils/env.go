package utils

import (
	"github.com/joho/godotenv"
)

// LoadEnv loads variables from a .env file in the working directory, if any.
// Variables already set in the environment win.
func LoadEnv(files ...string) {
	godotenv.Load(files...)
}
