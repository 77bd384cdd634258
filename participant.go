// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telecall

import "fmt"

// ParticipantRole is the clinical role of a call participant.
type ParticipantRole string

const (
	ParticipantPatient ParticipantRole = "patient"
	ParticipantDoctor  ParticipantRole = "doctor"
)

func ParseParticipantRole(s string) (ParticipantRole, error) {
	switch r := ParticipantRole(s); r {
	case ParticipantPatient, ParticipantDoctor:
		return r, nil
	default:
		return "", fmt.Errorf("invalid participant role %q", s)
	}
}

// CanRecord reports whether the role may start and stop recordings.
func (r ParticipantRole) CanRecord() bool {
	return r == ParticipantDoctor
}
