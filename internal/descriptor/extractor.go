package descriptor

import "fmt"

// ExtractionError reports an ill-formed user source: a nested class, an
// unannotated cross-object parameter, varargs, or default arguments where
// forbidden. It halts installation of the offending
// class only.
type ExtractionError struct {
	Class  string
	Method string // empty for class-level errors
	Reason string
}

func (e *ExtractionError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("descriptor: class %q: %s", e.Class, e.Reason)
	}
	return fmt.Sprintf("descriptor: %s.%s: %s", e.Class, e.Method, e.Reason)
}

// KnownClasses resolves the set of class names the extractor may treat as
// "external" for link detection and cross-object parameter validation.
// It is a threaded registry rather than a process global: an Extractor is
// constructed with one KnownClasses view and reused across every class it
// processes.
type KnownClasses interface {
	Has(name string) bool
}

// Extractor derives Class descriptors from RawClass sources.
type Extractor struct {
	known KnownClasses
}

// NewExtractor builds an Extractor scoped to the given class registry.
func NewExtractor(known KnownClasses) *Extractor {
	return &Extractor{known: known}
}

// Extract validates raw and derives its full Class descriptor.
func (e *Extractor) Extract(raw *RawClass) (*Class, error) {
	if !raw.HasInit {
		return nil, &ExtractionError{Class: raw.Name, Reason: "class has no __init__"}
	}
	if raw.NestedClasses {
		return nil, &ExtractionError{Class: raw.Name, Reason: "nested classes are not supported"}
	}

	methods := make(map[string]*Method, len(raw.Methods))
	for _, rm := range raw.Methods {
		m, err := e.extractMethod(raw.Name, rm)
		if err != nil {
			return nil, err
		}
		methods[m.Name] = m
	}

	return &Class{
		Name:       raw.Name,
		Attributes: raw.Attributes,
		Methods:    methods,
	}, nil
}

func (e *Extractor) extractMethod(className string, rm RawMethod) (*Method, error) {
	if rm.VarArgs {
		return nil, &ExtractionError{Class: className, Method: rm.Name, Reason: "*args is not supported"}
	}
	if rm.KwArgs {
		return nil, &ExtractionError{Class: className, Method: rm.Name, Reason: "**kwargs is not supported"}
	}

	// typed-declaration index for receiver-type lookups during the body walk
	typed := make(map[string]string, len(rm.Params)+len(rm.Locals))
	for _, p := range rm.Params {
		if p.Type != "" && p.Type != NoType {
			typed[p.Name] = p.Type
		}
	}
	for name, typ := range rm.Locals {
		typed[name] = typ
	}

	// Cross-object parameters must be fully annotated; ordinary parameters
	// may be left untyped. "Cross-object" is detected by scanning the body
	// for a call/attribute-access whose receiver is this parameter.
	usedAsReceiver := map[string]bool{}
	collectReceivers(rm.Body, usedAsReceiver)
	for _, p := range rm.Params {
		if usedAsReceiver[p.Name] && (p.Type == "" || p.Type == NoType) {
			return nil, &ExtractionError{
				Class: className, Method: rm.Name,
				Reason: fmt.Sprintf("parameter %q is used as a cross-object receiver but has no type annotation", p.Name),
			}
		}
	}
	if len(rm.DefaultArgs) > 0 {
		for _, d := range rm.DefaultArgs {
			if usedAsReceiver[d] {
				return nil, &ExtractionError{
					Class: className, Method: rm.Name,
					Reason: fmt.Sprintf("parameter %q has a default value and is used as a cross-object receiver", d),
				}
			}
		}
	}

	readOnly := !bodyWritesSelf(rm.Body)
	externalVars := collectExternalVars(rm.Body, rm.Params, rm.Locals)
	links := e.collectLinks(rm.Body, typed)

	return &Method{
		Name:           rm.Name,
		Input:          rm.Params,
		NumReturnPaths: rm.NumReturnPaths,
		ReadOnly:       readOnly,
		ExternalVars:   externalVars,
		Locals:         rm.Locals,
		Links:          links,
		Body:           rm.Body,
	}, nil
}

func bodyWritesSelf(body []Stmt) bool {
	for _, s := range body {
		switch v := s.(type) {
		case SelfWrite:
			return true
		case Assign:
			if bodyWritesSelf([]Stmt{v.Value}) {
				return true
			}
		case If:
			if bodyWritesSelf(v.Then) || bodyWritesSelf(v.Else) {
				return true
			}
			for _, arm := range v.Elifs {
				if bodyWritesSelf(arm.Body) {
					return true
				}
			}
		case For:
			if bodyWritesSelf(v.Body) || bodyWritesSelf(v.Else) {
				return true
			}
		}
	}
	return false
}

func collectReceivers(body []Stmt, out map[string]bool) {
	for _, s := range body {
		switch v := s.(type) {
		case Call:
			if v.Receiver != "" {
				out[v.Receiver] = true
			}
		case AttrRead:
			if v.Receiver != "" {
				out[v.Receiver] = true
			}
		case Assign:
			collectReceivers([]Stmt{v.Value}, out)
		case If:
			if v.CondInvocation != nil {
				out[v.CondInvocation.Receiver] = true
			}
			collectReceivers(v.Then, out)
			collectReceivers(v.Else, out)
			for _, arm := range v.Elifs {
				if arm.CondInvocation != nil {
					out[arm.CondInvocation.Receiver] = true
				}
				collectReceivers(arm.Body, out)
			}
		case For:
			if v.IterInvocation != nil {
				out[v.IterInvocation.Receiver] = true
			}
			collectReceivers(v.Body, out)
			collectReceivers(v.Else, out)
		}
	}
}

// collectLinks returns the deduplicated, order-preserving set of external
// class names this method's body touches as a call receiver or attribute
// read.
func (e *Extractor) collectLinks(body []Stmt, typed map[string]string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		typ, ok := typed[name]
		if !ok || typ == "" || typ == NoType {
			return
		}
		if e.known != nil && !e.known.Has(typ) {
			return
		}
		if !seen[typ] {
			seen[typ] = true
			out = append(out, typ)
		}
	}
	var walk func([]Stmt)
	walk = func(body []Stmt) {
		for _, s := range body {
			switch v := s.(type) {
			case Call:
				add(v.Receiver)
			case AttrRead:
				add(v.Receiver)
			case Assign:
				walk([]Stmt{v.Value})
			case If:
				if v.CondInvocation != nil {
					add(v.CondInvocation.Receiver)
				}
				walk(v.Then)
				walk(v.Else)
				for _, arm := range v.Elifs {
					if arm.CondInvocation != nil {
						add(arm.CondInvocation.Receiver)
					}
					walk(arm.Body)
				}
			case For:
				if v.IterInvocation != nil {
					add(v.IterInvocation.Receiver)
				}
				walk(v.Body)
				walk(v.Else)
			}
		}
	}
	walk(body)
	return out
}

func collectExternalVars(body []Stmt, params []Param, locals map[string]string) []string {
	bound := map[string]bool{}
	for _, p := range params {
		bound[p.Name] = true
	}
	for name := range locals {
		bound[name] = true
	}
	seen := map[string]bool{}
	var out []string
	note := func(name string) {
		if name == "" || name == "self" || bound[name] || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	var walk func([]Stmt)
	walk = func(body []Stmt) {
		for _, s := range body {
			switch v := s.(type) {
			case Call:
				note(v.Receiver)
				for _, a := range v.Args {
					note(a)
				}
			case AttrRead:
				note(v.Receiver)
			case Assign:
				walk([]Stmt{v.Value})
			case If:
				walk(v.Then)
				walk(v.Else)
				for _, arm := range v.Elifs {
					walk(arm.Body)
				}
			case For:
				walk(v.Body)
				walk(v.Else)
			}
		}
	}
	walk(body)
	return out
}
