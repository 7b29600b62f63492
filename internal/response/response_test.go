package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"upfweb/internal/models"
)

func TestJSONWritesEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	JSONMeta(w, []int{1, 2}, models.Meta{Total: 2, Page: 1})

	var env models.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Success == nil || !*env.Success || string(env.Data) != "[1,2]" || env.Meta.Total != 2 {
		t.Errorf("envelope = %+v data %s", env, env.Data)
	}
}

func TestErr(t *testing.T) {
	w := httptest.NewRecorder()
	Err(w, "lot not found", http.StatusNotFound)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	var env models.Envelope
	json.Unmarshal(w.Body.Bytes(), &env)
	if env.Error != "lot not found" || (env.Success != nil && *env.Success) {
		t.Errorf("envelope = %+v", env)
	}
}
