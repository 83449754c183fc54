package model

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// initRuntime loads the onnxruntime shared library once per process.
func initRuntime(libraryPath string) error {
	runtimeOnce.Do(func() {
		if libraryPath == "" {
			libraryPath = findRuntimeLibrary()
		}
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}

		runtimeErr = ort.InitializeEnvironment()
	})
	return runtimeErr
}

func findRuntimeLibrary() string {
	name := runtimeLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		for _, dir := range []string{
			filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib"),
			filepath.Join(root, "lib"),
		} {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return filepath.Join(dir, name)
			}
		}
	}

	for _, dir := range filepath.SplitList(os.Getenv("LD_LIBRARY_PATH")) {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return filepath.Join(dir, name)
		}
	}

	return ""
}

func runtimeLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

type tensorInfo struct {
	Name     string
	Shape    []int64
	DataType ort.TensorElementDataType
}

type namedTensor struct {
	Name  string
	Shape []int64
	Data  any
}

type onnxSession struct {
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []tensorInfo
	outputInfo  []tensorInfo
}

func newOnnxSession(path string, threads int) (*onnxSession, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("reading model info of %s: %w", filepath.Base(path), err)
	}

	s := &onnxSession{}
	inputNames := make([]string, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
		s.inputInfo = append(s.inputInfo, tensorInfo{Name: info.Name, Shape: info.Dimensions, DataType: info.DataType})
	}

	outputNames := make([]string, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
		s.outputInfo = append(s.outputInfo, tensorInfo{Name: info.Name, Shape: info.Dimensions, DataType: info.DataType})
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}

	if threads > 0 {
		if err := opts.SetIntraOpNumThreads(threads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, inputNames, outputNames, opts)
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("creating session for %s: %w", filepath.Base(path), err)
	}

	s.session = session
	s.sessionOpts = opts
	return s, nil
}

// Run feeds inputs in the order of inputInfo and returns the float outputs by
// name.
func (s *onnxSession) Run(inputs []namedTensor) (map[string]namedTensor, error) {
	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}

	ortInputs := make([]ort.Value, len(inputs))
	defer func() {
		for _, t := range ortInputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	for i, input := range inputs {
		t, err := createOrtTensor(input)
		if err != nil {
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		ortInputs[i] = t
	}

	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running session: %w", err)
	}
	defer func() {
		for _, t := range ortOutputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	outputs := make(map[string]namedTensor, len(ortOutputs))
	for i, out := range ortOutputs {
		floats, ok := out.(*ort.Tensor[float32])
		if !ok {
			continue
		}

		data := make([]float32, len(floats.GetData()))
		copy(data, floats.GetData())
		name := s.outputInfo[i].Name
		outputs[name] = namedTensor{Name: name, Shape: out.GetShape(), Data: data}
	}

	return outputs, nil
}

func (s *onnxSession) Close() error {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

func createOrtTensor(input namedTensor) (ort.Value, error) {
	shape := ort.NewShape(input.Shape...)

	switch data := input.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, data)
	case []int64:
		return ort.NewTensor(shape, data)
	case []bool:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}
