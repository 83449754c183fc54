package templates

import "os"

const configTemplate = `
port: 3030
host: 0.0.0.0
environment: dev
body_limit_mb: 250
ws_read_limit_mb: 250
ping_timeout: 10s

onnxruntime:
  library_path: ""
  threads: 0
`

const envTemplate = `# HF_TOKEN=
# ONNXRUNTIME_LIB=/usr/lib/libonnxruntime.so
`

func GetConfigTemplate() string {
	return configTemplate
}

func GetEnvTemplate() string {
	return envTemplate
}

func WriteConfig(path string) error {
	return writeTemplate(path, GetConfigTemplate())
}

func WriteEnv(path string) error {
	return writeTemplate(path, GetEnvTemplate())
}

func writeTemplate(path, content string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString(content)
	if err != nil {
		return err
	}

	return nil
}
