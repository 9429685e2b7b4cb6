package util

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

func JsonWrite(w http.ResponseWriter, v interface{}) {
	JsonWriteStatus(w, http.StatusOK, v)
}

func JsonWriteStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		panic(err)
	}
}

// JsonError writes {"error": msg} with the given status.
func JsonError(w http.ResponseWriter, status int, msg string) {
	JsonWriteStatus(w, status, map[string]string{"error": msg})
}

func GenUUID() string {
	x, err := uuid.NewRandom()
	if err != nil {
		panic(err)
	}
	return x.String()
}
