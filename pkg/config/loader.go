package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix 系统环境变量覆盖前缀，CASA_SERVER__PORT=":9090" 覆盖 server.port
const EnvPrefix = "CASA_"

// LoadConfig 依次叠加 base.yaml 与 <env>.yaml，替换 ${VAR} 占位符，最后应用 CASA_ 前缀的环境变量
// configDir 为空时使用 "config"；<env>.yaml 不存在时只用 base.yaml
func LoadConfig(env string, configDir string) (map[string]interface{}, error) {
	if configDir == "" {
		configDir = "config"
	}

	layers := []string{"base"}
	if env != "" && env != "base" {
		layers = append(layers, env)
	}

	merged := map[string]interface{}{}
	for i, name := range layers {
		path := filepath.Join(configDir, name+".yaml")
		layer, err := loadYAMLFile(path)
		switch {
		case err == nil:
			merged = mergeMaps(merged, layer)
		case i > 0 && errors.Is(err, fs.ErrNotExist):
			// 环境文件可选
		default:
			return nil, fmt.Errorf("load %s.yaml: %w", name, err)
		}
	}

	// secrets.env 只参与占位符替换，不写入进程环境
	secrets, err := loadEnvFile(filepath.Join(configDir, "secrets.env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load secrets.env: %w", err)
	}

	merged = substituteEnvVars(merged, secrets)
	return overrideFromSystemEnv(merged, os.Environ()), nil
}

// Decode 把合并后的配置 map 解码进结构体（复用 yaml tag）
func Decode(raw map[string]interface{}, out interface{}) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal merged config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode merged config: %w", err)
	}
	return nil
}

func loadYAMLFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || strings.HasPrefix(key, "#") {
			continue
		}
		vars[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return vars, nil
}

// mergeMaps 合并两个 map，dst 会被 src 覆盖，嵌套 map 递归合并
func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		result[k] = v
	}

	for k, v := range src {
		dstMap, dstOK := result[k].(map[string]interface{})
		srcMap, srcOK := v.(map[string]interface{})
		if dstOK && srcOK {
			result[k] = mergeMaps(dstMap, srcMap)
			continue
		}
		result[k] = v
	}

	return result
}

// substituteEnvVars 替换配置中的 ${VAR_NAME}，secrets.env 优先，其次进程环境变量
func substituteEnvVars(config map[string]interface{}, env map[string]string) map[string]interface{} {
	result := make(map[string]interface{}, len(config))
	for k, v := range config {
		switch val := v.(type) {
		case string:
			result[k] = substituteString(val, env)
		case map[string]interface{}:
			result[k] = substituteEnvVars(val, env)
		default:
			result[k] = v
		}
	}
	return result
}

func substituteString(s string, env map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(key string) string {
		if v, ok := env[key]; ok {
			return v
		}
		return os.Getenv(key)
	})
}

// overrideFromSystemEnv 用 CASA_ 前缀的系统环境变量覆盖配置（优先级最高）
// 段之间用双下划线分隔：CASA_LLM__DEFAULT_PROVIDER=static → llm.default_provider
func overrideFromSystemEnv(config map[string]interface{}, environ []string) map[string]interface{} {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__")
		setPath(config, path, parseScalar(value))
	}
	return config
}

func setPath(m map[string]interface{}, path []string, value interface{}) {
	if len(path) == 0 || path[0] == "" {
		return
	}
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	child, ok := m[path[0]].(map[string]interface{})
	if !ok {
		child = make(map[string]interface{})
		m[path[0]] = child
	}
	setPath(child, path[1:], value)
}

// parseScalar 让 "5432" 仍然能解码进 int 字段
func parseScalar(value string) interface{} {
	var out interface{}
	if err := yaml.Unmarshal([]byte(value), &out); err != nil || out == nil {
		return value
	}
	switch out.(type) {
	case map[string]interface{}, []interface{}:
		return value
	}
	return out
}

// GetConfigEnv CONFIG_ENV，默认 local
func GetConfigEnv() string {
	if v := os.Getenv("CONFIG_ENV"); v != "" {
		return v
	}
	return "local"
}
