package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger_BasicLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "text", Output: &buf})

	log.Debug("dbg", String("k", "v"))
	log.Info("info", Int("n", 42))
	log.Warn("warn", Bool("ok", true))
	log.Error("err", Error(nil))

	out := buf.String()
	for _, s := range []string{"[DEBUG] dbg k=v", "[INFO] info n=42", "[WARN] warn ok=true", "[ERROR] err error=nil"} {
		if !strings.Contains(out, s) {
			t.Fatalf("expected output to contain %q, got: %s", s, out)
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Debug("should not appear")
	log.Info("should not appear either")
	log.Warn("this one shows")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("expected debug/info to be filtered out, got: %s", out)
	}
	if !strings.Contains(out, "this one shows") {
		t.Fatalf("expected warn message in output, got: %s", out)
	}
}

func TestLogger_WithComponentPrefix(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "info", Output: &buf})
	comp := base.WithComponent("registry")

	comp.Info("started")

	out := buf.String()
	if !strings.Contains(out, "[registry]") {
		t.Fatalf("expected component prefix in output, got: %s", out)
	}
	if !strings.Contains(out, "[INFO] started") {
		t.Fatalf("expected info message in output, got: %s", out)
	}
}

func TestLogger_JSONFormatEncodesFieldsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "info", Format: "json", Output: &buf})
	comp := base.WithComponent("pbx")

	comp.Info("extension registered", Int("extension", 7), String("state", "ON_HOOK"))

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected valid JSON line, got error %v for: %s", err, buf.String())
	}
	if record["level"] != "INFO" {
		t.Fatalf("level = %v, want INFO", record["level"])
	}
	if record["msg"] != "extension registered" {
		t.Fatalf("msg = %v, want %q", record["msg"], "extension registered")
	}
	if record["component"] != "pbx" {
		t.Fatalf("component = %v, want pbx", record["component"])
	}
	if record["extension"] != float64(7) {
		t.Fatalf("extension field = %v, want 7", record["extension"])
	}
	if record["state"] != "ON_HOOK" {
		t.Fatalf("state field = %v, want ON_HOOK", record["state"])
	}
}

func TestLogger_JSONFormatWithoutComponentOmitsField(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	log.Info("boot")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected valid JSON line, got error %v for: %s", err, buf.String())
	}
	if _, present := record["component"]; present {
		t.Fatalf("expected no component field on a base logger, got: %s", buf.String())
	}
}
