package router

// Question templates per domain and base language. Answers are requested as
// plain bulleted lines with comma-separated fields and bracketed message
// citations — light structure the deterministic parser can decompose without
// trusting the model. English and Spanish ship today; a unit in any other
// language routes to a human instead of getting a wrong-language prompt.

const systemCommonEN = `You are a careful clinical note-taker. Answer only from the text provided. ` +
	`Never infer, never guess, never add information not explicitly stated. ` +
	`If nothing relevant is mentioned, answer exactly: none mentioned.`

const systemCommonES = `Eres un asistente clínico meticuloso. Responde solo con lo que aparece en el texto. ` +
	`Nunca infieras ni añadas información que no esté explícitamente mencionada. ` +
	`Si no se menciona nada relevante, responde exactamente: no se menciona.`

var templates = map[Domain]map[string]template{
	DomainSymptom: {
		"en": {
			system: systemCommonEN,
			user: `List every symptom the patient states, one per line, as:
- name, severity (only if the patient states a number), onset or duration, body region [message numbers]
Leave a field blank if not stated.`,
		},
		"es": {
			system: systemCommonES,
			user: `Enumera cada síntoma que el paciente menciona, uno por línea, como:
- nombre, severidad (solo si el paciente dice un número), inicio o duración, región del cuerpo [números de mensaje]
Deja el campo vacío si no se menciona.`,
		},
	},
	DomainMedication: {
		"en": {
			system: systemCommonEN,
			user: `List every medication the patient mentions taking, one per line, as:
- name, dose, frequency, instructions [message numbers]
Leave a field blank if not stated.`,
		},
		"es": {
			system: systemCommonES,
			user: `Enumera cada medicamento que el paciente menciona tomar, uno por línea, como:
- nombre, dosis, frecuencia, instrucciones [números de mensaje]
Deja el campo vacío si no se menciona.`,
		},
	},
	DomainAppointment: {
		"en": {
			system: systemCommonEN,
			user: `List every appointment mentioned, one per line, as:
- professional or clinic, date, location [message numbers]`,
		},
		"es": {
			system: systemCommonES,
			user: `Enumera cada cita mencionada, una por línea, como:
- profesional o clínica, fecha, lugar [números de mensaje]`,
		},
	},
	DomainLabResult: {
		"en": {
			system: systemCommonEN,
			user: `List every lab result in the document, one per line, as:
- test name, value, unit, flag (high/low/normal if printed)`,
		},
		"es": {
			system: systemCommonES,
			user: `Enumera cada resultado de laboratorio del documento, uno por línea, como:
- nombre de la prueba, valor, unidad, indicador (alto/bajo/normal si aparece)`,
		},
	},
	DomainDiagnosis: {
		"en": {
			system: systemCommonEN,
			user: `List every diagnosis stated in the text, one per line, as:
- name, date, status (active/resolved/suspected if stated)`,
		},
		"es": {
			system: systemCommonES,
			user: `Enumera cada diagnóstico mencionado en el texto, uno por línea, como:
- nombre, fecha, estado (activo/resuelto/sospechado si se indica)`,
		},
	},
	DomainAllergy: {
		"en": {
			system: systemCommonEN,
			user: `List every allergy the patient states, one per line, as:
- substance, reaction [message numbers]`,
		},
		"es": {
			system: systemCommonES,
			user: `Enumera cada alergia que el paciente menciona, una por línea, como:
- sustancia, reacción [números de mensaje]`,
		},
	},
	DomainProcedure: {
		"en": {
			system: systemCommonEN,
			user: `List every procedure mentioned, one per line, as:
- name, date, body region`,
		},
		"es": {
			system: systemCommonES,
			user: `Enumera cada procedimiento mencionado, uno por línea, como:
- nombre, fecha, región del cuerpo`,
		},
	},
	DomainReferral: {
		"en": {
			system: systemCommonEN,
			user: `List every referral in the text, one per line, as:
- specialty, professional, reason`,
		},
		"es": {
			system: systemCommonES,
			user: `Enumera cada derivación del texto, una por línea, como:
- especialidad, profesional, motivo`,
		},
	},
	DomainInstruction: {
		"en": {
			system: systemCommonEN,
			user: `List every instruction given to the patient, one per line, as:
- instruction, timeframe`,
		},
		"es": {
			system: systemCommonES,
			user: `Enumera cada indicación dada al paciente, una por línea, como:
- indicación, plazo`,
		},
	},
	DomainMetadata: {
		"en": {
			system: systemCommonEN,
			user: `Answer on one line, as:
- document date, author or issuing clinic, document type`,
		},
		"es": {
			system: systemCommonES,
			user: `Responde en una sola línea, como:
- fecha del documento, autor o clínica emisora, tipo de documento`,
		},
	},
}
