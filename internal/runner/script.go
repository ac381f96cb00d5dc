package runner

import (
	"encoding/json"
	"fmt"

	"github.com/tpmjs/tpmjs/internal/protocol"
	"github.com/tpmjs/tpmjs/internal/tool"
)

// EntryScriptName is the filename the entry script is written under inside
// the sandbox work dir. The .mjs extension lets the same loader handle both
// ESM and CommonJS packages via dynamic import().
const EntryScriptName = "tpmjs-entry.mjs"

// Real-world packages export tools in several shapes: a plain object, the
// default export, a factory needing no arguments, or a factory taking a
// config object. The generated resolver tries each strategy in a fixed
// order and takes the first that yields a value with an execute entry
// point, so callers never need to know which shape a package uses.
//
// Ordering inside the script:
//  1. environment entries are assigned to process.env BEFORE the dynamic
//     import, so module-initialization code observes them;
//  2. direct named export → default export's named member → default export;
//  3. callables that don't look like tools are retried as factories
//     (zero-arg, then env-arg), each attempt swallowing its own throw;
//  4. the resolved execute entry point is awaited and its value serialized
//     through the result envelope to stdout;
//  5. any throw at any stage is serialized through the error envelope to
//     stderr with a non-zero exit code.
const entryScriptTemplate = `const ENV = %s;
for (const [key, value] of Object.entries(ENV)) {
  process.env[key] = value;
}

const PARAMS = %s;
const PACKAGE_NAME = %s;
const EXPORT_NAME = %s;
const RESULT_KEY = %q;
const ERROR_KEY = %q;

function looksLikeTool(value) {
  return value != null && typeof value.execute === "function";
}

async function resolveTool() {
  const mod = await import(PACKAGE_NAME);

  const candidates = [];
  if (EXPORT_NAME in mod) {
    candidates.push(mod[EXPORT_NAME]);
  }
  const def = mod.default;
  if (def != null && typeof def === "object" && EXPORT_NAME in def) {
    candidates.push(def[EXPORT_NAME]);
  }
  if (def != null) {
    candidates.push(def);
  }

  for (const candidate of candidates) {
    if (looksLikeTool(candidate)) {
      return candidate;
    }
    if (typeof candidate === "function") {
      try {
        const made = await candidate();
        if (looksLikeTool(made)) {
          return made;
        }
      } catch {}
      try {
        const made = await candidate(ENV);
        if (looksLikeTool(made)) {
          return made;
        }
      } catch {}
    }
  }
  return null;
}

(async () => {
  try {
    const tool = await resolveTool();
    if (tool == null) {
      throw new Error(
        "tool not found: package " + PACKAGE_NAME +
        " has no export " + JSON.stringify(EXPORT_NAME) +
        " with an execute entry point (tried named export, default member, default export, and factory forms)"
      );
    }
    const value = await tool.execute(PARAMS);
    process.stdout.write(JSON.stringify({ [RESULT_KEY]: value === undefined ? null : value }));
  } catch (err) {
    const message = err instanceof Error ? err.message : String(err);
    process.stderr.write(JSON.stringify({ [ERROR_KEY]: message }));
    process.exit(1);
  }
})();
`

// schemaScriptTemplate loads the tool through the same resolution chain but
// never invokes execute: it only reads the declared input schema.
const schemaScriptTemplate = `const ENV = %s;
for (const [key, value] of Object.entries(ENV)) {
  process.env[key] = value;
}

const PACKAGE_NAME = %s;
const EXPORT_NAME = %s;
const RESULT_KEY = %q;
const ERROR_KEY = %q;

function looksLikeTool(value) {
  return value != null && typeof value.execute === "function";
}

async function resolveTool() {
  const mod = await import(PACKAGE_NAME);

  const candidates = [];
  if (EXPORT_NAME in mod) {
    candidates.push(mod[EXPORT_NAME]);
  }
  const def = mod.default;
  if (def != null && typeof def === "object" && EXPORT_NAME in def) {
    candidates.push(def[EXPORT_NAME]);
  }
  if (def != null) {
    candidates.push(def);
  }

  for (const candidate of candidates) {
    if (looksLikeTool(candidate)) {
      return candidate;
    }
    if (typeof candidate === "function") {
      try {
        const made = await candidate();
        if (looksLikeTool(made)) {
          return made;
        }
      } catch {}
      try {
        const made = await candidate(ENV);
        if (looksLikeTool(made)) {
          return made;
        }
      } catch {}
    }
  }
  return null;
}

(async () => {
  try {
    const tool = await resolveTool();
    if (tool == null) {
      throw new Error(
        "tool not found: package " + PACKAGE_NAME +
        " has no export " + JSON.stringify(EXPORT_NAME) +
        " with an execute entry point"
      );
    }
    const schema = tool.inputSchema;
    if (schema == null) {
      throw new Error("tool " + JSON.stringify(EXPORT_NAME) + " declares no input schema");
    }
    process.stdout.write(JSON.stringify({ [RESULT_KEY]: schema }));
  } catch (err) {
    const message = err instanceof Error ? err.message : String(err);
    process.stderr.write(JSON.stringify({ [ERROR_KEY]: message }));
    process.exit(1);
  }
})();
`

// SynthesizeEntryScript renders the runtime entry script for one execution.
// Parameters and environment are embedded as JSON literals — JSON is valid
// JavaScript, so no string interpolation of untrusted values ever happens.
func SynthesizeEntryScript(ref tool.Reference, params map[string]any, env map[string]string) (string, error) {
	envJSON, err := marshalJSObject(env)
	if err != nil {
		return "", fmt.Errorf("encoding environment: %w", err)
	}
	paramsJSON, err := marshalJSObject(params)
	if err != nil {
		return "", fmt.Errorf("encoding parameters: %w", err)
	}
	pkgJSON, err := json.Marshal(ref.PackageName)
	if err != nil {
		return "", fmt.Errorf("encoding package name: %w", err)
	}
	exportJSON, err := json.Marshal(ref.ExportName)
	if err != nil {
		return "", fmt.Errorf("encoding export name: %w", err)
	}

	return fmt.Sprintf(entryScriptTemplate,
		envJSON, paramsJSON, pkgJSON, exportJSON,
		protocol.ResultKey, protocol.ErrorKey,
	), nil
}

// SynthesizeSchemaScript renders the load-without-invoke script used by
// schema extraction.
func SynthesizeSchemaScript(ref tool.Reference, env map[string]string) (string, error) {
	envJSON, err := marshalJSObject(env)
	if err != nil {
		return "", fmt.Errorf("encoding environment: %w", err)
	}
	pkgJSON, err := json.Marshal(ref.PackageName)
	if err != nil {
		return "", fmt.Errorf("encoding package name: %w", err)
	}
	exportJSON, err := json.Marshal(ref.ExportName)
	if err != nil {
		return "", fmt.Errorf("encoding export name: %w", err)
	}

	return fmt.Sprintf(schemaScriptTemplate,
		envJSON, pkgJSON, exportJSON,
		protocol.ResultKey, protocol.ErrorKey,
	), nil
}

// marshalJSObject encodes a map as a JSON object literal, normalizing nil
// to {} so the generated script never sees "null" where it iterates.
func marshalJSObject(m any) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "{}", nil
	}
	return string(data), nil
}
