package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/spf13/viper"
)

// legacyKeys maps elements of the original <config> document to Viper keys.
var legacyKeys = map[string]string{
	"organizationName": "account.organization",
	"userName":         "account.user_name",
	"password":         "account.password",
	"dataPath":         "import.data_path",
	"xmlPath":          "import.descriptor_path",
	"action":           "import.action",
	"runAsBackground":  "import.run_in_background",
	"notifyByEmail":    "import.notify_by_email",
	"addAllUsers":      "import.share_with_all_users",
}

// loadLegacyXML reads the flat <config> document used by earlier uploader releases.
// Boolean elements count as true only when their text is exactly "true".
func loadLegacyXML(v *viper.Viper, path string) error {
	// #nosec G304 -- path is supplied by the operator.
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	doc, err := xmlquery.Parse(f)
	if err != nil {
		return fmt.Errorf("parse legacy config: %w", err)
	}
	root := xmlquery.FindOne(doc, "/config")
	if root == nil {
		return fmt.Errorf("parse legacy config: missing <config> root element")
	}
	values := map[string]any{}
	for element, key := range legacyKeys {
		node := xmlquery.FindOne(root, element)
		if node == nil {
			continue
		}
		section, field, _ := strings.Cut(key, ".")
		bucket, ok := values[section].(map[string]any)
		if !ok {
			bucket = map[string]any{}
			values[section] = bucket
		}
		text := strings.TrimSpace(node.InnerText())
		switch key {
		case "import.run_in_background", "import.notify_by_email", "import.share_with_all_users":
			bucket[field] = text == "true"
		default:
			bucket[field] = text
		}
	}
	if err := v.MergeConfigMap(values); err != nil {
		return fmt.Errorf("merge legacy config: %w", err)
	}
	return nil
}
