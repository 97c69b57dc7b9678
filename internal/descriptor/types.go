package descriptor

// NoType is the declared type of a parameter or attribute that carries no
// type annotation.
const NoType = "NoType"

// Attribute is one self-attribute of a class, in declaration order.
type Attribute struct {
	Name string
	Type string // NoType if unannotated
}

// Param is one positional, named input parameter of a method.
type Param struct {
	Name string
	Type string // NoType unless the parameter names an external class
}

// RawMethod is the unprocessed method shape an extractor consumes: enough
// information to validate, split, and compile, but none of the derived
// fields (ReadOnly, ExternalVars, Links) that Extractor computes.
type RawMethod struct {
	Name           string
	Params         []Param
	Locals         map[string]string // typed local variable name -> declared type
	NumReturnPaths int               // number of distinct return statements/paths
	VarArgs        bool              // *args — rejected by Extractor
	KwArgs         bool              // **kwargs — rejected by Extractor
	DefaultArgs    []string          // parameter names with default values
	Body           []Stmt
}

// RawClass is the unprocessed class shape an extractor consumes.
type RawClass struct {
	Name          string
	Attributes    []Attribute
	Methods       []RawMethod
	HasInit       bool
	NestedClasses bool
}

// Method is the fully extracted, immutable descriptor of one method.
type Method struct {
	Name           string
	Input          []Param // ordered named parameters
	NumReturnPaths int     // output description: number of return paths
	ReadOnly       bool    // true iff the body performs no self-attribute writes
	ExternalVars   []string
	Locals         map[string]string // typed local declarations
	Links          []string          // external class names this method invokes or reads
	Body           []Stmt
}

// Splittable reports whether this method links to at least one other
// class and therefore compiles to an Event Flow Graph.
func (m *Method) Splittable() bool {
	return len(m.Links) > 0
}

// Class is the fully extracted, immutable descriptor of one user class.
type Class struct {
	Name       string
	Attributes []Attribute
	Methods    map[string]*Method // keyed by method name
}

// MethodOrder returns method names in a stable order for deterministic
// compilation and serialization.
func (c *Class) MethodOrder() []string {
	order := make([]string, 0, len(c.Methods))
	for name := range c.Methods {
		order = append(order, name)
	}
	// simple insertion sort keeps this dependency-free and deterministic
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j-1] > order[j]; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}
	return order
}
