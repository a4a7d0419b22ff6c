package catalog

// builtinTools is the registry shipped with the planner. Browser tools map
// one-to-one onto plan step actions; assertion, performance, accessibility
// and security entries are registry entries whose bodies run through the
// worker's tool handler contract.
var builtinTools = []ToolDefinition{
	// browser_core
	{
		Name:        "browser_launch",
		Description: "Launch a browser session",
		Category:    CategoryBrowserCore,
		Tags:        []string{"launch", "start", "session"},
		InputSchema: objSchema(map[string]interface{}{
			"headless": map[string]interface{}{"type": "boolean"},
		}, nil),
		Weight: 90,
	},
	{
		Name:        "browser_navigate",
		Description: "Navigate the current page to a URL",
		Category:    CategoryBrowserCore,
		Tags:        []string{"navigate", "url", "open", "visit"},
		InputSchema: objSchema(map[string]interface{}{
			"url": map[string]interface{}{"type": "string"},
		}, []string{"url"}),
		Weight: 100,
	},
	{
		Name:        "browser_close",
		Description: "Close the browser session",
		Category:    CategoryBrowserCore,
		Tags:        []string{"close", "quit", "session"},
		InputSchema: objSchema(nil, nil),
		Weight:      80,
	},
	{
		Name:        "browser_wait",
		Description: "Wait for a selector or a fixed delay",
		Category:    CategoryBrowserCore,
		Tags:        []string{"wait", "delay", "selector"},
		InputSchema: objSchema(map[string]interface{}{
			"selector": map[string]interface{}{"type": "string"},
			"ms":       map[string]interface{}{"type": "integer"},
		}, nil),
		Weight: 60,
	},

	// browser_interact
	{
		Name:        "browser_click",
		Description: "Click the element matching a selector",
		Category:    CategoryBrowserInteract,
		Tags:        []string{"click", "press", "button", "link"},
		InputSchema: objSchema(map[string]interface{}{
			"selector": map[string]interface{}{"type": "string"},
		}, []string{"selector"}),
		Weight: 95,
	},
	{
		Name:        "browser_type",
		Description: "Type text into the element matching a selector",
		Category:    CategoryBrowserInteract,
		Tags:        []string{"type", "fill", "input", "form"},
		InputSchema: objSchema(map[string]interface{}{
			"selector": map[string]interface{}{"type": "string"},
			"text":     map[string]interface{}{"type": "string"},
		}, []string{"selector", "text"}),
		Weight: 90,
	},
	{
		Name:        "browser_scroll",
		Description: "Scroll the page or an element into view",
		Category:    CategoryBrowserInteract,
		Tags:        []string{"scroll", "view"},
		InputSchema: objSchema(map[string]interface{}{
			"selector": map[string]interface{}{"type": "string"},
			"dy":       map[string]interface{}{"type": "integer"},
		}, nil),
		Weight: 55,
	},
	{
		Name:        "browser_select",
		Description: "Select an option in a dropdown",
		Category:    CategoryBrowserInteract,
		Tags:        []string{"select", "dropdown", "option"},
		InputSchema: objSchema(map[string]interface{}{
			"selector": map[string]interface{}{"type": "string"},
			"value":    map[string]interface{}{"type": "string"},
		}, []string{"selector", "value"}),
		Weight: 50,
	},
	{
		Name:        "browser_hover",
		Description: "Hover over the element matching a selector",
		Category:    CategoryBrowserInteract,
		Tags:        []string{"hover", "mouse"},
		InputSchema: objSchema(map[string]interface{}{
			"selector": map[string]interface{}{"type": "string"},
		}, []string{"selector"}),
		Weight: 45,
	},

	// browser_read
	{
		Name:        "browser_screenshot",
		Description: "Capture a screenshot of the page",
		Category:    CategoryBrowserRead,
		Tags:        []string{"screenshot", "capture", "image"},
		InputSchema: objSchema(map[string]interface{}{
			"fullPage": map[string]interface{}{"type": "boolean"},
		}, nil),
		Weight: 85,
	},
	{
		Name:        "browser_text",
		Description: "Extract the text content of an element",
		Category:    CategoryBrowserRead,
		Tags:        []string{"text", "extract", "read", "content"},
		InputSchema: objSchema(map[string]interface{}{
			"selector": map[string]interface{}{"type": "string"},
		}, []string{"selector"}),
		Weight: 70,
	},
	{
		Name:        "browser_attribute",
		Description: "Read an attribute of an element",
		Category:    CategoryBrowserRead,
		Tags:        []string{"attribute", "element", "read"},
		InputSchema: objSchema(map[string]interface{}{
			"selector":  map[string]interface{}{"type": "string"},
			"attribute": map[string]interface{}{"type": "string"},
		}, []string{"selector", "attribute"}),
		Weight: 50,
	},

	// assertions
	{
		Name:        "assert_visible",
		Description: "Assert an element is visible",
		Category:    CategoryAssertions,
		Tags:        []string{"assert", "visible", "check"},
		InputSchema: objSchema(map[string]interface{}{
			"selector": map[string]interface{}{"type": "string"},
		}, []string{"selector"}),
		Weight: 75,
	},
	{
		Name:        "assert_text",
		Description: "Assert an element contains the expected text",
		Category:    CategoryAssertions,
		Tags:        []string{"assert", "text", "contains", "verify"},
		InputSchema: objSchema(map[string]interface{}{
			"selector": map[string]interface{}{"type": "string"},
			"expected": map[string]interface{}{"type": "string"},
		}, []string{"selector", "expected"}),
		Weight: 80,
	},
	{
		Name:        "assert_url",
		Description: "Assert the current URL matches a pattern",
		Category:    CategoryAssertions,
		Tags:        []string{"assert", "url", "verify"},
		InputSchema: objSchema(map[string]interface{}{
			"pattern": map[string]interface{}{"type": "string"},
		}, []string{"pattern"}),
		Weight: 65,
	},
	{
		Name:        "assert_title",
		Description: "Assert the page title matches the expected value",
		Category:    CategoryAssertions,
		Tags:        []string{"assert", "title", "verify"},
		InputSchema: objSchema(map[string]interface{}{
			"expected": map[string]interface{}{"type": "string"},
		}, []string{"expected"}),
		Weight: 60,
	},

	// performance
	{
		Name:        "perf_load_time",
		Description: "Measure page load time against a budget",
		Category:    CategoryPerformance,
		Tags:        []string{"performance", "load", "timing"},
		InputSchema: objSchema(map[string]interface{}{
			"budget_ms": map[string]interface{}{"type": "integer"},
		}, nil),
		Weight: 55,
	},
	{
		Name:        "perf_resource_count",
		Description: "Count network resources loaded by the page",
		Category:    CategoryPerformance,
		Tags:        []string{"performance", "network", "resources"},
		InputSchema: objSchema(nil, nil),
		Weight:      40,
	},

	// accessibility
	{
		Name:        "a11y_audit",
		Description: "Run an accessibility audit on the current page",
		Category:    CategoryAccessibility,
		Tags:        []string{"accessibility", "a11y", "audit", "aria"},
		InputSchema: objSchema(nil, nil),
		Weight:      55,
	},
	{
		Name:        "a11y_contrast",
		Description: "Check color contrast of visible text",
		Category:    CategoryAccessibility,
		Tags:        []string{"accessibility", "contrast", "color"},
		InputSchema: objSchema(nil, nil),
		Weight:      40,
	},

	// security
	{
		Name:        "security_headers",
		Description: "Inspect security-relevant response headers",
		Category:    CategorySecurity,
		Tags:        []string{"security", "headers", "csp"},
		InputSchema: objSchema(nil, nil),
		Weight:      50,
	},
	{
		Name:        "security_cookies",
		Description: "Audit cookie flags on the current page",
		Category:    CategorySecurity,
		Tags:        []string{"security", "cookies", "flags"},
		InputSchema: objSchema(nil, nil),
		Weight:      40,
	},

	// utility
	{
		Name:        "util_wait",
		Description: "Sleep for a fixed number of milliseconds",
		Category:    CategoryUtility,
		Tags:        []string{"wait", "sleep", "delay"},
		InputSchema: objSchema(map[string]interface{}{
			"ms": map[string]interface{}{"type": "integer"},
		}, []string{"ms"}),
		Weight: 30,
	},
	{
		Name:        "util_random_data",
		Description: "Generate random test data (emails, names, strings)",
		Category:    CategoryUtility,
		Tags:        []string{"random", "generate", "data", "fixture"},
		InputSchema: objSchema(map[string]interface{}{
			"kind": map[string]interface{}{"type": "string"},
		}, nil),
		Weight: 25,
	},
}

func objSchema(props map[string]interface{}, required []string) map[string]interface{} {
	schema := map[string]interface{}{"type": "object"}
	if props != nil {
		schema["properties"] = props
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
