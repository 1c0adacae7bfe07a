package insight

import _ "embed"

// DailyTemplate is the mail body shared by the reputation tenants. It defines
// "body" and expects the context built by the tenant formatters.
//
//go:embed templates/daily.html
var DailyTemplate string
