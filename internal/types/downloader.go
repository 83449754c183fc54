package types

type ModelState string

const (
	ModelStateReady    ModelState = "ready"
	ModelStateNotFound ModelState = "not_found"
)
