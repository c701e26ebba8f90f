// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// EastAfrica is the gateway's timezone (UTC+3, no daylight saving). Gateway
// timestamps and ledger dates are expressed in it.
var EastAfrica = time.FixedZone("EAT", 3*60*60)

// Now returns the current time in EastAfrica.
func Now() time.Time {
	return time.Now().In(EastAfrica)
}
