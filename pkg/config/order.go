package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// jsonModelOrder walks the "models" object with a streaming decoder so the
// declared key order (the operator's intended fallback order) survives,
// which a map[string]T unmarshal would not preserve.
func jsonModelOrder(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := seekObjectKey(dec, "models"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: \"models\" is not an object", ErrConfig)
	}

	var order []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		key, _ := keyTok.(string)
		order = append(order, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	return order, nil
}

func seekObjectKey(dec *json.Decoder, key string) error {
	if _, err := dec.Token(); err != nil { // opening '{'
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		if name == key {
			return nil
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return err
		}
	}
	return fmt.Errorf("key %q not found", key)
}

func yamlModelOrder(doc *yaml.Node) []string {
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "models" {
			models := root.Content[i+1]
			var order []string
			for j := 0; j+1 < len(models.Content); j += 2 {
				order = append(order, models.Content[j].Value)
			}
			return order
		}
	}
	return nil
}
